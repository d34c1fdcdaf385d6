package session

import (
	"context"
	"errors"
	"time"

	"github.com/nabbi/zoneminder/internal/source"
)

var (
	// ErrBusy means the key's lock is held by a live session server.
	ErrBusy = errors.New("session already running for key")

	// ErrStartup means the frame source is missing or unreadable. Terminal
	// for this start attempt only; nothing stays registered.
	ErrStartup = errors.New("session startup failure")
)

type Mode string

const (
	ModeLive  Mode = "live"
	ModeEvent Mode = "event"
)

// StreamRequest is the immutable description used to (re)open a stream.
// Reissuing the same request is how a client spawns a fresh session after a
// crash; the connection key keeps it scoped to the same viewing session.
type StreamRequest struct {
	Key     uint32
	Mode    Mode
	EventId uint64
	Scale   uint16
	Offset  int
}

// Handle describes a live session server. At most one exists per key at any
// instant; the registry lock is the arbiter.
type Handle struct {
	Key        uint32
	LockPath   string
	SocketPath string
	Owner      string
}

// Sink is the transport the session pushes into. Every write's result is
// checked; a failure is terminal for the session.
type Sink interface {
	WriteFrame(data []byte) error
	Keepalive() error
	Close() error
}

// SourceFactory builds the frame source for a request. Failures here become
// ErrStartup, after the lock has been released again.
type SourceFactory func(ctx context.Context) (source.Source, error)

// Options carries the tunables a session needs; main wires them from config.
type Options struct {
	RuntimeDir        string
	KeepaliveInterval time.Duration
	MaxStreamDelay    time.Duration
}
