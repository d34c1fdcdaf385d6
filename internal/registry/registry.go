package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrHeldByOther means the key's lock is held by a live process. A lock
	// whose holder has died never produces this error: flock is released by
	// the OS on process death, so acquisition simply succeeds.
	ErrHeldByOther = errors.New("session lock held by another process")

	// ErrNotFound means the control endpoint did not appear within the
	// discovery budget.
	ErrNotFound = errors.New("session endpoint not found")
)

// LockPath and SocketPath derive the per-key discovery handles. The names are
// stable so a restarted server reclaims the same artifacts for its key.

func LockPath(dir string, key uint32) string {
	return filepath.Join(dir, fmt.Sprintf("session-%d.lock", key))
}

func SocketPath(dir string, key uint32) string {
	return filepath.Join(dir, fmt.Sprintf("session-%d.sock", key))
}

// Guard is the held per-key lock. It stays held for the owning session's
// lifetime; the OS drops it on process death regardless of cleanup.
type Guard struct {
	mu   sync.Mutex
	key  uint32
	path string
	file *os.File
}

// Acquire takes the exclusive lock for key under dir. On contention it reports
// the holder pid recorded in the lock file and whether that pid is still
// alive, which distinguishes a genuinely busy key from an anomaly.
func Acquire(dir string, key uint32) (*Guard, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory %s: %w", dir, err)
	}

	path := LockPath(dir, key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder, alive := holderInfo(f)
		_ = f.Close()
		if holder > 0 {
			log.WithFields(log.Fields{
				"key":    key,
				"holder": holder,
				"alive":  alive,
			}).Debug("session lock contended")
		}
		return nil, fmt.Errorf("key %d held by pid %d: %w", key, holder, ErrHeldByOther)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}

	return &Guard{key: key, path: path, file: f}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once, and
// safe to skip entirely: a dead holder's lock is reclaimable either way.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil {
		return nil
	}
	f := g.file
	g.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to unlock %s: %w", g.path, err)
	}
	_ = os.Remove(g.path)
	return f.Close()
}

func (g *Guard) Key() uint32 { return g.key }

func (g *Guard) Path() string { return g.path }

// Locate polls for the key's control endpoint until it appears or the budget
// elapses. The fine poll step absorbs the race between spawning a session and
// the session creating its socket.
func Locate(ctx context.Context, dir string, key uint32, timeout, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = time.Millisecond
	}
	path := SocketPath(dir, key)
	deadline := time.Now().Add(timeout)

	for {
		if _, err := os.Lstat(path); err == nil {
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no endpoint for key %d after %s: %w", key, timeout, ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
}

func holderInfo(f *os.File) (int32, bool) {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil || pid <= 0 {
		return 0, false
	}
	alive, _ := process.PidExists(int32(pid))
	return int32(pid), alive
}
