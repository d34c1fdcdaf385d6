package watch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nabbi/zoneminder/internal/session"
)

// Stream is the viewer side of the frame transport: one websocket connection
// to the gateway per attempt. Opening it with the same request parameters is
// what spawns a fresh session server; closing it is the only cancellation
// signal the server gets, via its next failed write.
type Stream struct {
	baseURL string

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	onFirst func()
	frames  chan []byte
}

func NewStream(baseURL string) *Stream {
	return &Stream{baseURL: baseURL}
}

// OnFirstFrame installs the readiness callback for the next connection
// attempt. Open consumes it, binding it to that attempt's read pump; it
// fires at most once, on the first frame unit observed on that connection.
// Keepalive pings never fire it. Installing a new callback replaces any
// previous one still waiting for an Open.
func (s *Stream) OnFirstFrame(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFirst = fn
}

// Frames exposes the most recent connection's frame channel; closed when the
// connection dies.
func (s *Stream) Frames() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Open tears down any previous connection and dials a fresh one for req.
func (s *Stream) Open(ctx context.Context, req session.StreamRequest) error {
	s.closeCurrent()

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("failed to parse stream URL %s: %w", s.baseURL, err)
	}
	q := u.Query()
	q.Set("key", strconv.FormatUint(uint64(req.Key), 10))
	q.Set("mode", string(req.Mode))
	q.Set("event", strconv.FormatUint(req.EventId, 10))
	q.Set("scale", strconv.FormatUint(uint64(req.Scale), 10))
	q.Set("offset", strconv.Itoa(req.Offset))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial stream endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan []byte, 8)

	// The callback is bound to this attempt's pump here; a pump from an
	// earlier connection holds its own closure and can never fire this one.
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.frames = frames
	onFirst := s.onFirst
	s.onFirst = nil
	s.mu.Unlock()

	go s.readPump(ctx, conn, frames, onFirst)

	return nil
}

func (s *Stream) Close() error {
	s.closeCurrent()
	return nil
}

func (s *Stream) closeCurrent() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Stream) readPump(ctx context.Context, conn *websocket.Conn, frames chan []byte, onFirst func()) {
	defer close(frames)
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("stream connection lost")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		if onFirst != nil {
			fn := onFirst
			onFirst = nil
			fn()
		}

		select {
		case frames <- payload:
		case <-ctx.Done():
			return
		default:
			// Viewer is behind; newest frame wins.
			select {
			case <-frames:
			default:
			}
			frames <- payload
		}
	}
}
