package source

import (
	"context"
	"errors"
	"time"
)

// ErrNoSource is the startup failure for a source whose backing data is
// missing or unreadable. It is terminal for the start attempt that saw it.
var ErrNoSource = errors.New("source data missing or unreadable")

// Frame is one self-delimited unit of the stream.
type Frame struct {
	Data      []byte
	Index     int
	Timestamp time.Time
}

// Source produces ordered frames for an event or a live feed. Next blocks
// only when the feed has nothing yet (live); pacing is the session's job,
// since playback scale lives in the session's mutable state.
type Source interface {
	// Next returns the frame at cursor, or the next available frame for an
	// unbounded feed. io.EOF means the source is exhausted at that cursor.
	Next(ctx context.Context, cursor int) (*Frame, error)
	// FrameCount is the total frame count, 0 for unbounded feeds.
	FrameCount() int
	// Rate is the native frame rate of the feed.
	Rate() float64
	Close() error
}
