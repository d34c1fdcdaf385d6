package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nabbi/zoneminder/internal/registry"
)

// Client sends commands to session control endpoints. Each Send locates the
// endpoint (absorbing the spawn race), binds a private reply socket, and waits
// for exactly one response. NotFound and Timeout from here are the primary
// liveness signal the supervisor consumes.
type Client struct {
	dir           string
	locateTimeout time.Duration
	locatePoll    time.Duration
	replyTimeout  time.Duration
}

func NewClient(runtimeDir string, locateTimeout, locatePoll, replyTimeout time.Duration) *Client {
	return &Client{
		dir:           runtimeDir,
		locateTimeout: locateTimeout,
		locatePoll:    locatePoll,
		replyTimeout:  replyTimeout,
	}
}

func (c *Client) Send(ctx context.Context, key uint32, cmd Command) (*Response, error) {
	cmd.Key = key

	endpoint, err := registry.Locate(ctx, c.dir, key, c.locateTimeout, c.locatePoll)
	if err != nil {
		return nil, err
	}

	replyPath := filepath.Join(c.dir, fmt.Sprintf("reply-%s.sock", uuid.NewString()))
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: replyPath, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("failed to bind reply socket %s: %w", replyPath, err)
	}
	defer func() {
		_ = conn.Close()
		_ = os.Remove(replyPath)
	}()

	payload, err := EncodeCommand(&cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Tag, err)
	}

	serverAddr := &net.UnixAddr{Name: endpoint, Net: "unixgram"}
	if _, err := conn.WriteToUnix(payload, serverAddr); err != nil {
		// The socket may linger after its owner died; to the caller this is
		// the same dead-server condition as a missing endpoint.
		return nil, fmt.Errorf("failed to send %s to key %d: %w", cmd.Tag, key, registry.ErrNotFound)
	}

	deadline := time.Now().Add(c.replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	// Sized to the unixgram datagram bound; a short buffer would truncate a
	// response carrying a long error string into a decode failure.
	buf := make([]byte, 65536)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("no response from key %d within %s: %w", key, c.replyTimeout, ErrTimeout)
		}
		return nil, fmt.Errorf("failed to read control response: %w", err)
	}

	return DecodeResponse(buf[:n])
}
