package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Handler answers one decoded command. It runs on the serve goroutine; the
// session's playback state is its concern, not the listener's.
type Handler func(cmd *Command) *Response

// Listener is the per-session control endpoint, a unixgram socket under the
// runtime directory. Sessions open it before pushing their first frame, so a
// delivered frame always implies the endpoint answers.
type Listener struct {
	path string
	conn *net.UnixConn
}

func Listen(path string) (*Listener, error) {
	// A stale socket from a crashed predecessor would block the bind; the
	// registry lock already proves the predecessor is gone.
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("endpoint path %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale endpoint %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat endpoint path %s: %w", path, err)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control endpoint %s: %w", path, err)
	}
	return &Listener{path: path, conn: conn}, nil
}

// Serve reads datagrams until ctx is done or the socket is closed. Malformed
// datagrams are logged and dropped without a reply.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	buf := make([]byte, 512)
	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := l.conn.ReadFromUnix(buf)
		switch et := err.(type) {
		case net.Error:
			if et.Timeout() {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control endpoint read failed: %w", err)
		case nil:
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control endpoint read failed: %w", err)
		}

		cmd, err := DecodeCommand(buf[:n])
		if err != nil {
			log.WithError(err).Warn("dropping malformed control datagram")
			continue
		}

		res := h(cmd)
		if res == nil || addr == nil {
			continue
		}
		payload, err := EncodeResponse(res)
		if err != nil {
			log.WithError(err).Error("failed to encode control response")
			continue
		}
		if _, err := l.conn.WriteToUnix(payload, addr); err != nil {
			// The requester may have given up and removed its reply socket.
			log.WithError(err).Debug("failed to write control response")
		}
	}
}

func (l *Listener) Path() string { return l.path }

func (l *Listener) Close() error {
	err := l.conn.Close()
	_ = os.Remove(l.path)
	return err
}
