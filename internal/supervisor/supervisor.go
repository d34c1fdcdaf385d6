package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/nabbi/zoneminder/internal/control"
	"github.com/nabbi/zoneminder/internal/registry"
	"github.com/nabbi/zoneminder/internal/session"
)

var (
	supervisorRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "supervisor_restarts",
		Namespace: "zoneminder",
		Help:      "number of stream restarts the supervisor has driven",
	})
	supervisorPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "supervisor_poll_failures",
		Namespace: "zoneminder",
		Help:      "number of failed status polls",
	})
)

type State int

const (
	// Broken: the session server is presumed dead; commands must trigger a
	// restart before they can succeed.
	StateBroken State = iota
	// StateRestarting: a fresh transport connection is open and the
	// supervisor is waiting for its first frame.
	StateRestarting
	StateHealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateRestarting:
		return "restarting"
	default:
		return "broken"
	}
}

// Transport is the frame connection under supervision; watch.Stream satisfies
// it, tests substitute fakes.
type Transport interface {
	OnFirstFrame(fn func())
	Open(ctx context.Context, req session.StreamRequest) error
	Close() error
}

// Commander sends control-plane commands; control.Client satisfies it.
type Commander interface {
	Send(ctx context.Context, key uint32, cmd control.Command) (*control.Response, error)
}

// Status is the snapshot consumed by UI collaborators.
type Status struct {
	State    State
	Broken   bool
	Progress float64
	Rate     float64
	Scale    uint16
	Playing  bool
	Error    string
}

type eventKind int

const (
	evPoll eventKind = iota
	evCommand
	evReady
)

type event struct {
	kind  eventKind
	cmd   control.Command
	reply chan error
	gen   uint64
}

// Supervisor tracks one stream's liveness and orchestrates restarts. All
// state transitions happen on the run loop goroutine: poll ticks, user
// commands and readiness signals are serialized events, so the readiness
// handler always runs to completion before anything else can observe the
// cleared broke flag.
type Supervisor struct {
	req          session.StreamRequest
	transport    Transport
	commander    Commander
	pollInterval time.Duration

	events chan event

	// Loop-owned; never touched off the run goroutine.
	state   State
	pending *control.Command
	gen     uint64

	statusMu sync.RWMutex
	status   Status
}

func New(req session.StreamRequest, transport Transport, commander Commander, pollInterval time.Duration) *Supervisor {
	return &Supervisor{
		req:          req,
		transport:    transport,
		commander:    commander,
		pollInterval: pollInterval,
		events:       make(chan event, 16),
		state:        StateBroken,
		status:       Status{State: StateBroken, Broken: true},
	}
}

// Status returns the last published snapshot. While broken or restarting it
// reports a stalled session; recovery is driven by the next user command,
// never silently from here.
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Do issues a user playback command. Healthy commands go straight to the
// control plane; while broken they capture the stream request and drive a
// restart, with the command held for dispatch on readiness. Last write wins.
func (s *Supervisor) Do(ctx context.Context, tag control.CommandTag, value int64) error {
	ev := event{
		kind:  evCommand,
		cmd:   control.Command{Tag: tag, Key: s.req.Key, Value: value},
		reply: make(chan error, 1),
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.events <- ev:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ev.reply:
		return err
	}
}

// Run opens the first transport connection and processes events until ctx is
// done. The supervisor starts broken-by-construction: broke is only cleared
// by the first frame observed on the current connection.
func (s *Supervisor) Run(ctx context.Context) error {
	s.restart(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.transport.Close()
			return ctx.Err()
		case <-ticker.C:
			s.handlePoll(ctx)
		case ev := <-s.events:
			switch ev.kind {
			case evCommand:
				ev.reply <- s.handleCommand(ctx, ev.cmd)
			case evReady:
				s.handleReady(ctx, ev.gen)
			case evPoll:
				s.handlePoll(ctx)
			}
		}
	}
}

// restart performs steps (b)-(d) of the recovery handshake: tear down the
// old connection, install a one-shot readiness callback for the new attempt,
// reopen the transport so a fresh session server spawns for the same key.
// The generation guard makes any straggler callback from a previous attempt
// a no-op.
func (s *Supervisor) restart(ctx context.Context) {
	s.gen++
	gen := s.gen
	s.state = StateRestarting
	s.publish(func(st *Status) {
		st.State = StateRestarting
		st.Broken = true
	})

	_ = s.transport.Close()
	s.transport.OnFirstFrame(func() {
		select {
		case s.events <- event{kind: evReady, gen: gen}:
		case <-ctx.Done():
		}
	})

	if err := s.transport.Open(ctx, s.req); err != nil {
		// Readiness will never fire for this attempt; stay broken until the
		// next user action. Surfaced, not auto-retried.
		log.WithError(err).WithField("key", s.req.Key).Warn("stream reopen failed")
		s.state = StateBroken
		s.publish(func(st *Status) {
			st.State = StateBroken
			st.Error = err.Error()
		})
		return
	}
	supervisorRestarts.Inc()
}

func (s *Supervisor) handleCommand(ctx context.Context, cmd control.Command) error {
	switch s.state {
	case StateHealthy:
		res, err := s.commander.Send(ctx, s.req.Key, cmd)
		if err != nil {
			if isLivenessFailure(err) {
				s.markBroken(err)
				return fmt.Errorf("session presumed dead, reissue to restart: %w", err)
			}
			return err
		}
		s.publishResponse(res)
		return nil
	default:
		// Broken or already restarting: capture the command and (re)drive
		// the handshake. A second command while restarting lands here too
		// and overwrites pending — last issued command wins.
		pending := cmd
		s.pending = &pending
		s.restart(ctx)
		return nil
	}
}

func (s *Supervisor) handleReady(ctx context.Context, gen uint64) {
	if gen != s.gen || s.state != StateRestarting {
		// Stale attempt or already healthy; readiness beyond the first has
		// no additional effect.
		return
	}

	s.state = StateHealthy
	pending := s.pending
	s.pending = nil
	s.publish(func(st *Status) {
		st.State = StateHealthy
		st.Broken = false
		st.Error = ""
	})
	log.WithField("key", s.req.Key).Info("stream ready")

	if pending == nil {
		return
	}
	// Dispatch synchronously with the readiness signal: no other event can
	// observe the cleared state before this command is on the wire.
	res, err := s.commander.Send(ctx, s.req.Key, *pending)
	if err != nil {
		if isLivenessFailure(err) {
			s.markBroken(err)
		}
		log.WithError(err).WithField("key", s.req.Key).Warn("failed to replay pending command")
		return
	}
	s.publishResponse(res)
}

func (s *Supervisor) handlePoll(ctx context.Context) {
	res, err := s.commander.Send(ctx, s.req.Key, control.Command{Tag: control.CmdQuery, Key: s.req.Key})
	if err != nil {
		supervisorPollFailures.Inc()
		switch s.state {
		case StateHealthy:
			if isLivenessFailure(err) {
				s.markBroken(err)
			}
		default:
			// Idempotent no-op while broken or restarting.
		}
		return
	}

	// A poll success racing ahead of readiness updates the numbers but never
	// clears broke; that is the readiness handler's job alone.
	s.publishResponse(res)
}

func (s *Supervisor) markBroken(err error) {
	if s.state == StateHealthy {
		log.WithError(err).WithField("key", s.req.Key).Warn("stream broke")
	}
	s.state = StateBroken
	s.publish(func(st *Status) {
		st.State = StateBroken
		st.Broken = true
		st.Playing = false
		st.Error = err.Error()
	})
}

func (s *Supervisor) publish(mutate func(*Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	mutate(&s.status)
}

func (s *Supervisor) publishResponse(res *control.Response) {
	s.publish(func(st *Status) {
		st.Progress = res.Progress
		st.Rate = res.Rate
		st.Scale = res.Scale
		st.Playing = res.Playing
		if res.Status == control.StatusError {
			st.Error = res.Error
		}
	})
}

func isLivenessFailure(err error) bool {
	return errors.Is(err, registry.ErrNotFound) || errors.Is(err, control.ErrTimeout)
}
