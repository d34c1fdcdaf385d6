package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nabbi/zoneminder/internal/control"
	"github.com/nabbi/zoneminder/internal/registry"
	"github.com/nabbi/zoneminder/internal/source"
)

var (
	sessionStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "session_starts",
		Namespace: "zoneminder",
		Help:      "number of session servers started",
	})
	sessionWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "session_write_failures",
		Namespace: "zoneminder",
		Help:      "number of sessions terminated by a sink write failure",
	})
	framesPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "frames_pushed",
		Namespace: "zoneminder",
		Help:      "number of frames pushed across all sessions",
	})
)

// Session is one per-key streaming server: a frame-push flow and a command
// flow running against the same playback state under one lock discipline.
type Session struct {
	sync.Mutex

	handle Handle
	opts   Options
	src    source.Source
	sink   Sink

	cursor  int
	scale   uint16
	paused  bool
	atEnd   bool
	maxFPS  float64
	pushed  uint64
	started time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start spawns the session server for a request. The registry lock is taken
// first, the source opened second, and the control endpoint third — strictly
// before the first frame is pushed, so any delivered frame proves the
// endpoint accepts requests. Failure on any step unwinds the earlier ones.
func Start(ctx context.Context, opts Options, req StreamRequest, factory SourceFactory, sink Sink) (*Session, error) {
	guard, err := registry.Acquire(opts.RuntimeDir, req.Key)
	if err != nil {
		if errors.Is(err, registry.ErrHeldByOther) {
			return nil, fmt.Errorf("key %d: %w", req.Key, ErrBusy)
		}
		return nil, fmt.Errorf("failed to register session for key %d: %w", req.Key, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	src, err := factory(ctx)
	if err != nil {
		cancel()
		_ = guard.Release()
		return nil, fmt.Errorf("key %d: %v: %w", req.Key, err, ErrStartup)
	}

	endpoint, err := control.Listen(registry.SocketPath(opts.RuntimeDir, req.Key))
	if err != nil {
		cancel()
		_ = src.Close()
		_ = guard.Release()
		return nil, fmt.Errorf("failed to open control endpoint for key %d: %w", req.Key, err)
	}

	scale := req.Scale
	if scale == 0 {
		scale = 100
	}

	s := &Session{
		handle: Handle{
			Key:        req.Key,
			LockPath:   guard.Path(),
			SocketPath: endpoint.Path(),
			Owner:      uuid.NewString(),
		},
		opts:    opts,
		src:     src,
		sink:    sink,
		cursor:  req.Offset,
		scale:   scale,
		maxFPS:  0,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	sessionStarts.Inc()
	log.WithFields(log.Fields{
		"key":   req.Key,
		"mode":  req.Mode,
		"owner": s.handle.Owner,
	}).Info("session server started")

	go s.run(ctx, guard, endpoint)

	return s, nil
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

func (s *Session) Stop() { s.cancel() }

func (s *Session) run(ctx context.Context, guard *registry.Guard, endpoint *control.Listener) {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer s.recoverFault()
		return s.pushLoop(ctx)
	})
	group.Go(func() error {
		defer s.recoverFault()
		return endpoint.Serve(ctx, s.handleCommand)
	})

	err := group.Wait()

	// Teardown runs on every exit path, faults included. The OS would drop
	// the flock for us on death; doing it here keeps the runtime dir clean.
	_ = endpoint.Close()
	_ = s.src.Close()
	_ = s.sink.Close()
	_ = guard.Release()
	s.cancel()

	s.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.err = err
	}
	pushed := s.pushed
	s.Unlock()

	log.WithFields(log.Fields{
		"key":    s.handle.Key,
		"frames": pushed,
		"uptime": time.Since(s.started).Round(time.Millisecond),
	}).WithError(err).Info("session server exited")

	close(s.done)
}

func (s *Session) recoverFault() {
	if r := recover(); r != nil {
		log.WithField("key", s.handle.Key).Errorf("session fault: %v", r)
		s.Lock()
		if s.err == nil {
			s.err = fmt.Errorf("session fault: %v", r)
		}
		s.Unlock()
		s.cancel()
	}
}

// pushLoop writes frames continuously, emitting a keepalive whenever no frame
// is due within the keepalive period. Every write is checked and every write
// resets the inactivity clock; when nothing at all can be written inside the
// max stream delay the session terminates.
func (s *Session) pushLoop(ctx context.Context) error {
	lastWrite := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(lastWrite) > s.opts.MaxStreamDelay {
			return fmt.Errorf("no liveness-relevant write within %s", s.opts.MaxStreamDelay)
		}

		s.Lock()
		paused := s.paused || s.atEnd
		cursor := s.cursor
		scale := s.scale
		maxFPS := s.maxFPS
		s.Unlock()

		if paused {
			if err := s.idle(ctx); err != nil {
				return err
			}
			lastWrite = time.Now()
			continue
		}

		frameCtx, cancel := context.WithTimeout(ctx, s.opts.KeepaliveInterval)
		frame, err := s.src.Next(frameCtx, cursor)
		cancel()
		switch {
		case errors.Is(err, io.EOF):
			s.Lock()
			s.atEnd = true
			s.Unlock()
			continue
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Source starved; keep the stream observably alive.
			if err := s.keepalive(); err != nil {
				return err
			}
			lastWrite = time.Now()
			continue
		case err != nil:
			return fmt.Errorf("frame source failed: %w", err)
		}

		// An unbounded feed paces itself; only replayed events are paced
		// here, from the recorded rate and the playback scale. Waits longer
		// than the keepalive period are broken up by keepalives so the sink
		// never goes silent while a slow replay is between frames.
		if s.src.FrameCount() > 0 {
			remaining := frameDelay(s.src.Rate(), int(scale), maxFPS)
			for remaining > 0 {
				wait := remaining
				if wait > s.opts.KeepaliveInterval {
					wait = s.opts.KeepaliveInterval
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				remaining -= wait
				if remaining > 0 {
					if err := s.keepalive(); err != nil {
						return err
					}
					lastWrite = time.Now()
				}
			}
		}

		if err := s.sink.WriteFrame(frame.Data); err != nil {
			sessionWriteFailures.Inc()
			return fmt.Errorf("sink write failed: %w", err)
		}
		framesPushed.Inc()
		lastWrite = time.Now()

		s.Lock()
		if s.cursor == cursor {
			s.cursor = frame.Index + 1
		}
		s.pushed++
		s.Unlock()
	}
}

func (s *Session) idle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.KeepaliveInterval):
	}
	return s.keepalive()
}

func (s *Session) keepalive() error {
	if err := s.sink.Keepalive(); err != nil {
		sessionWriteFailures.Inc()
		return fmt.Errorf("sink keepalive failed: %w", err)
	}
	return nil
}

// handleCommand mutates playback state under the session mutex; the pusher
// reads the same state on its next iteration.
func (s *Session) handleCommand(cmd *control.Command) *control.Response {
	s.Lock()
	defer s.Unlock()

	if cmd.Key != s.handle.Key {
		return &control.Response{Status: control.StatusError, Error: "wrong connection key"}
	}

	switch cmd.Tag {
	case control.CmdQuery:
		// Status only, no side effect.
	case control.CmdPlay:
		s.paused = false
		s.atEnd = false
		if s.scale == 0 {
			s.scale = 100
		}
	case control.CmdPause:
		s.paused = true
	case control.CmdSeek:
		s.cursor = int(cmd.Value)
		if s.cursor < 0 {
			s.cursor = 0
		}
		s.atEnd = false
	case control.CmdScale:
		if cmd.Value > 0 {
			s.scale = uint16(cmd.Value)
		}
	case control.CmdMaxFPS:
		if cmd.Value >= 0 {
			s.maxFPS = float64(cmd.Value)
		}
	case control.CmdStop:
		// Ack first; the grace period lets the response datagram leave
		// before the endpoint closes.
		go func() {
			time.Sleep(50 * time.Millisecond)
			s.cancel()
		}()
	default:
		return &control.Response{Status: control.StatusError, Error: fmt.Sprintf("unsupported command %s", cmd.Tag)}
	}

	return s.statusLocked()
}

// statusLocked reports playback position and the effective delivery rate in
// frames per second, after the scale multiplier and fps cap are applied.
func (s *Session) statusLocked() *control.Response {
	progress := 0.0
	fps := s.src.Rate()
	if fps > 0 {
		progress = float64(s.cursor) / fps
	}
	rate := fps * float64(s.scale) / 100
	if s.maxFPS > 0 && rate > s.maxFPS {
		rate = s.maxFPS
	}
	return &control.Response{
		Status:   control.StatusOk,
		Progress: progress,
		Rate:     rate,
		Scale:    s.scale,
		Playing:  !s.paused && !s.atEnd,
	}
}

// frameDelay derives the inter-frame pacing from the source's native rate,
// the playback scale percentage, and the optional fps cap.
func frameDelay(sourceFPS float64, scalePercent int, maxFPS float64) time.Duration {
	if sourceFPS <= 0 || scalePercent <= 0 {
		return 0
	}
	fps := sourceFPS * float64(scalePercent) / 100
	if maxFPS > 0 && fps > maxFPS {
		fps = maxFPS
	}
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
