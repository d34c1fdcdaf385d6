package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"
)

// eventSource replays the frame files captured for one stored event.
type eventSource struct {
	folder string
	frames int
	fps    float64
}

// NewEvent opens the frame folder for a stored event. The folder holds one
// jpeg per frame, named by capture order. A missing or unreadable folder is
// ErrNoSource, surfaced before any lock or endpoint is registered.
func NewEvent(dataDir string, eventId uint64, frames int, fps float64) (Source, error) {
	folder := path.Join(dataDir, fmt.Sprintf("%d", eventId))
	st, err := os.Stat(folder)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("event %d folder %s: %w", eventId, folder, ErrNoSource)
	}
	if fps <= 0 {
		fps = 25
	}
	return &eventSource{folder: folder, frames: frames, fps: fps}, nil
}

func (s *eventSource) Next(_ context.Context, cursor int) (*Frame, error) {
	if cursor < 0 {
		cursor = 0
	}
	if s.frames > 0 && cursor >= s.frames {
		return nil, io.EOF
	}

	name := path.Join(s.folder, fmt.Sprintf("%03d-capture.jpg", cursor+1))
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %d of %s: %w", cursor, s.folder, err)
	}

	return &Frame{
		Data:      data,
		Index:     cursor,
		Timestamp: time.Now(),
	}, nil
}

func (s *eventSource) FrameCount() int { return s.frames }

func (s *eventSource) Rate() float64 { return s.fps }

func (s *eventSource) Close() error { return nil }
