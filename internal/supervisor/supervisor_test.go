package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nabbi/zoneminder/internal/control"
	"github.com/nabbi/zoneminder/internal/registry"
	"github.com/nabbi/zoneminder/internal/session"
)

type fakeTransport struct {
	mu         sync.Mutex
	onFirst    func()
	opens      int
	closes     int
	openErr    error
	fireOnOpen bool
}

func (f *fakeTransport) OnFirstFrame(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFirst = fn
}

func (f *fakeTransport) Open(_ context.Context, _ session.StreamRequest) error {
	f.mu.Lock()
	f.opens++
	err := f.openErr
	fire := f.fireOnOpen && err == nil
	fn := f.onFirst
	f.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
	return err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) fireFirstFrame() {
	f.mu.Lock()
	fn := f.onFirst
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type fakeCommander struct {
	mu   sync.Mutex
	sent []control.Command
	err  error
	res  control.Response
}

func (f *fakeCommander) Send(_ context.Context, _ uint32, cmd control.Command) (*control.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if f.err != nil {
		return nil, f.err
	}
	res := f.res
	return &res, nil
}

func (f *fakeCommander) commands() []control.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]control.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeCommander) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestSupervisor(transport *fakeTransport, commander *fakeCommander) *Supervisor {
	req := session.StreamRequest{Key: 123456, Mode: session.ModeEvent, EventId: 1, Scale: 100}
	return New(req, transport, commander, time.Hour)
}

// drainReady pulls the readiness event posted by the transport callback so the
// test can hand it to the handler the way the run loop would.
func drainReady(t *testing.T, s *Supervisor) event {
	t.Helper()
	select {
	case ev := <-s.events:
		if ev.kind != evReady {
			t.Fatalf("unexpected event kind %d", ev.kind)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no readiness event arrived")
		return event{}
	}
}

func makeHealthy(t *testing.T, ctx context.Context, s *Supervisor, transport *fakeTransport) {
	t.Helper()
	s.restart(ctx)
	transport.fireFirstFrame()
	s.handleReady(ctx, drainReady(t, s).gen)
	if s.state != StateHealthy {
		t.Fatalf("state after readiness = %s, want healthy", s.state)
	}
}

func TestStartsBroken(t *testing.T) {
	s := newTestSupervisor(&fakeTransport{}, &fakeCommander{})

	status := s.Status()
	if status.State != StateBroken || !status.Broken {
		t.Fatalf("fresh supervisor status = %+v, want broken", status)
	}
}

func TestReadinessClearsBroke(t *testing.T) {
	transport := &fakeTransport{}
	s := newTestSupervisor(transport, &fakeCommander{})
	ctx := context.Background()

	s.restart(ctx)
	if status := s.Status(); status.State != StateRestarting || !status.Broken {
		t.Fatalf("status during restart = %+v, want restarting and broken", status)
	}

	transport.fireFirstFrame()
	s.handleReady(ctx, drainReady(t, s).gen)

	status := s.Status()
	if status.State != StateHealthy || status.Broken {
		t.Fatalf("status after first frame = %+v, want healthy and not broken", status)
	}
}

func TestPollSuccessNeverClearsBroke(t *testing.T) {
	transport := &fakeTransport{}
	commander := &fakeCommander{res: control.Response{Status: control.StatusOk, Progress: 3.5, Playing: true}}
	s := newTestSupervisor(transport, commander)
	ctx := context.Background()

	s.restart(ctx)
	s.handlePoll(ctx)

	status := s.Status()
	if !status.Broken || status.State != StateRestarting {
		t.Fatalf("poll success cleared broke: %+v", status)
	}
	if status.Progress != 3.5 {
		t.Fatalf("poll success must still publish numbers: %+v", status)
	}
}

func TestHealthyCommandSendsDirectly(t *testing.T) {
	transport := &fakeTransport{}
	commander := &fakeCommander{res: control.Response{Status: control.StatusOk, Playing: true}}
	s := newTestSupervisor(transport, commander)
	ctx := context.Background()

	makeHealthy(t, ctx, s, transport)
	opensBefore := transport.openCount()

	if err := s.handleCommand(ctx, control.Command{Tag: control.CmdPause, Key: s.req.Key}); err != nil {
		t.Fatalf("healthy command failed: %v", err)
	}

	sent := commander.commands()
	if len(sent) != 1 || sent[0].Tag != control.CmdPause {
		t.Fatalf("sent = %+v, want one pause", sent)
	}
	if transport.openCount() != opensBefore {
		t.Fatal("healthy command must not reopen the transport")
	}
}

func TestLivenessFailureBreaksHealthy(t *testing.T) {
	for _, cause := range []error{registry.ErrNotFound, control.ErrTimeout} {
		transport := &fakeTransport{}
		commander := &fakeCommander{res: control.Response{Status: control.StatusOk}}
		s := newTestSupervisor(transport, commander)
		ctx := context.Background()

		makeHealthy(t, ctx, s, transport)
		commander.fail(cause)

		err := s.handleCommand(ctx, control.Command{Tag: control.CmdPlay, Key: s.req.Key})
		if !errors.Is(err, cause) {
			t.Fatalf("command during %v = %v, want the cause surfaced", cause, err)
		}
		if status := s.Status(); status.State != StateBroken || !status.Broken {
			t.Fatalf("status after %v = %+v, want broken", cause, status)
		}
	}
}

func TestNonLivenessFailureStaysHealthy(t *testing.T) {
	transport := &fakeTransport{}
	commander := &fakeCommander{res: control.Response{Status: control.StatusOk}}
	s := newTestSupervisor(transport, commander)
	ctx := context.Background()

	makeHealthy(t, ctx, s, transport)
	commander.fail(errors.New("transient"))

	if err := s.handleCommand(ctx, control.Command{Tag: control.CmdPlay, Key: s.req.Key}); err == nil {
		t.Fatal("failure must surface to the caller")
	}
	if s.state != StateHealthy {
		t.Fatalf("state after non-liveness failure = %s, want healthy", s.state)
	}
}

func TestPollFailureBreaksOnlyHealthy(t *testing.T) {
	transport := &fakeTransport{}
	commander := &fakeCommander{res: control.Response{Status: control.StatusOk}}
	s := newTestSupervisor(transport, commander)
	ctx := context.Background()

	// While restarting, a failed poll is a no-op.
	s.restart(ctx)
	commander.fail(registry.ErrNotFound)
	s.handlePoll(ctx)
	if s.state != StateRestarting {
		t.Fatalf("poll failure while restarting changed state to %s", s.state)
	}

	commander.fail(nil)
	transport.fireFirstFrame()
	s.handleReady(ctx, drainReady(t, s).gen)

	commander.fail(control.ErrTimeout)
	s.handlePoll(ctx)
	if status := s.Status(); status.State != StateBroken || !status.Broken {
		t.Fatalf("status after failed poll = %+v, want broken", status)
	}
}

func TestBrokenCommandLastWriteWins(t *testing.T) {
	transport := &fakeTransport{}
	commander := &fakeCommander{res: control.Response{Status: control.StatusOk}}
	s := newTestSupervisor(transport, commander)
	ctx := context.Background()

	// Two seeks arrive while broken/restarting; only the second survives.
	if err := s.handleCommand(ctx, control.Command{Tag: control.CmdSeek, Key: s.req.Key, Value: 10}); err != nil {
		t.Fatal(err)
	}
	if s.state != StateRestarting {
		t.Fatalf("state after broken command = %s, want restarting", s.state)
	}
	if err := s.handleCommand(ctx, control.Command{Tag: control.CmdSeek, Key: s.req.Key, Value: 20}); err != nil {
		t.Fatal(err)
	}

	transport.fireFirstFrame()
	// The second command re-ran restart, so older readiness events are stale.
	var ready event
	for {
		ready = drainReady(t, s)
		if ready.gen == s.gen {
			break
		}
	}
	s.handleReady(ctx, ready.gen)

	sent := commander.commands()
	if len(sent) != 1 {
		t.Fatalf("dispatched %d commands, want exactly 1", len(sent))
	}
	if sent[0].Tag != control.CmdSeek || sent[0].Value != 20 {
		t.Fatalf("dispatched %+v, want the last seek", sent[0])
	}
	if s.pending != nil {
		t.Fatal("pending command survived dispatch")
	}
}

func TestStaleReadinessIsIgnored(t *testing.T) {
	transport := &fakeTransport{}
	s := newTestSupervisor(transport, &fakeCommander{})
	ctx := context.Background()

	s.restart(ctx)
	transport.fireFirstFrame()
	stale := drainReady(t, s)

	// A second restart supersedes the first attempt.
	s.restart(ctx)

	s.handleReady(ctx, stale.gen)
	if s.state != StateRestarting {
		t.Fatalf("stale readiness changed state to %s", s.state)
	}
}

func TestOpenFailureStaysBroken(t *testing.T) {
	transport := &fakeTransport{openErr: errors.New("gateway unreachable")}
	s := newTestSupervisor(transport, &fakeCommander{})
	ctx := context.Background()

	s.restart(ctx)

	status := s.Status()
	if status.State != StateBroken || status.Error == "" {
		t.Fatalf("status after failed open = %+v, want broken with error", status)
	}
}

func TestRunRecoversOnFirstFrame(t *testing.T) {
	transport := &fakeTransport{fireOnOpen: true}
	commander := &fakeCommander{res: control.Response{Status: control.StatusOk, Playing: true}}
	s := newTestSupervisor(transport, commander)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Status().State != StateHealthy {
		if time.Now().After(deadline) {
			t.Fatal("supervisor never became healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Do(ctx, control.CmdPlay, 0); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	sent := commander.commands()
	if len(sent) == 0 || sent[len(sent)-1].Tag != control.CmdPlay {
		t.Fatalf("sent = %+v, want a play command", sent)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
