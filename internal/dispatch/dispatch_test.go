package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type recordingWriter struct {
	log *opLog

	mu   sync.Mutex
	cmds []protocol.Command
	err  error
}

func (w *recordingWriter) WriteCommand(cmd protocol.Command) error {
	w.log.add("write " + cmd.Info().Name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.cmds = append(w.cmds, cmd)
	return nil
}

func (w *recordingWriter) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.cmds))
	for i, c := range w.cmds {
		out[i] = c.Info().Name
	}
	return out
}

func (w *recordingWriter) commands() []protocol.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Command(nil), w.cmds...)
}

type spyTracker struct {
	m   *matcher.Matcher
	log *opLog
}

func (s *spyTracker) AddPending(req *matcher.Request) {
	s.log.add("add " + req.Command.Info().Name)
	s.m.AddPending(req)
}

func (s *spyTracker) Cancel(req *matcher.Request, err error) {
	s.log.add("cancel " + req.Command.Info().Name)
	s.m.Cancel(req, err)
}

type fixture struct {
	d      *Dispatcher
	w      *recordingWriter
	m      *matcher.Matcher
	log    *opLog
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := &opLog{}
	f := &fixture{
		w:    &recordingWriter{log: log},
		m:    matcher.New(matcher.Config{}, nil),
		log:  log,
		done: make(chan struct{}),
	}
	f.d = New(cfg, f.w, &spyTracker{m: f.m, log: log}, nil)
	f.ctx, f.cancel = context.WithCancel(context.Background())

	matcherDone := make(chan struct{})
	go func() {
		defer close(matcherDone)
		_ = f.m.Run(f.ctx)
	}()
	t.Cleanup(func() {
		f.cancel()
		<-matcherDone
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	go func() {
		defer close(f.done)
		_ = f.d.Run(f.ctx)
	}()
	t.Cleanup(func() {
		f.cancel()
		<-f.done
	})
}

func waitResult(t *testing.T, req *matcher.Request) matcher.Result {
	t.Helper()
	select {
	case <-req.Done():
		return req.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("request %s never resolved", req.Command)
		return matcher.Result{}
	}
}

func fastConfig() Config {
	return Config{Rate: 1000, Burst: 10}
}

func TestPriorityOrder(t *testing.T) {
	f := newFixture(t, fastConfig())

	f.d.Send(protocol.Setpoint(50, 0, 200), 0)
	f.d.Send(protocol.Servo(90), 0)
	f.d.Send(protocol.DirectMotor(10, 10), 0)
	f.d.Send(protocol.Servo(45), 0)
	f.d.Send(protocol.DiagnosticsCmd(), 0)
	f.d.Send(protocol.Stop(), 0)
	assert.Equal(t, 6, f.d.Depth())

	f.start(t)
	require.Eventually(t, func() bool { return len(f.w.names()) == 6 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"stop", "diagnostics", "direct_motor", "servo", "servo", "setpoint"}, f.w.names())
	cmds := f.w.commands()
	assert.Equal(t, 90, *cmds[3].D1, "same-class commands keep submission order")
	assert.Equal(t, 45, *cmds[4].D1)
}

func TestStopPreemptsRateLimitedCommands(t *testing.T) {
	f := newFixture(t, Config{Rate: 2, Burst: 1})
	f.start(t)

	f.d.Send(protocol.Servo(1), 0)
	require.Eventually(t, func() bool { return len(f.w.names()) == 1 }, time.Second, time.Millisecond)

	f.d.Send(protocol.Servo(2), 0)
	f.d.Send(protocol.Servo(3), 0)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	f.d.Send(protocol.Stop(), 0)
	require.Eventually(t, func() bool { return len(f.w.names()) == 2 }, 300*time.Millisecond, time.Millisecond)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, []string{"servo", "stop"}, f.w.names())

	require.Eventually(t, func() bool { return len(f.w.names()) == 4 }, 3*time.Second, 10*time.Millisecond)
	cmds := f.w.commands()
	assert.Equal(t, 2, *cmds[2].D1)
	assert.Equal(t, 3, *cmds[3].D1)
}

func TestStreamCoalescing(t *testing.T) {
	f := newFixture(t, fastConfig())

	var reqs []*matcher.Request
	for i := 1; i <= 5; i++ {
		reqs = append(reqs, f.d.Send(protocol.Setpoint(i*10, -i, 200), 0))
	}
	assert.Equal(t, 1, f.d.Depth())

	f.start(t)
	last := waitResult(t, reqs[4])
	assert.True(t, last.OK)
	assert.True(t, last.NoReply)

	for _, req := range reqs[:4] {
		assert.ErrorIs(t, waitResult(t, req).Err, ErrSuperseded)
	}
	cmds := f.w.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, 50, *cmds[0].D1)
	assert.Equal(t, -5, *cmds[0].D2)
}

func TestRateLimitDelaysWithoutDropping(t *testing.T) {
	f := newFixture(t, Config{Rate: 20, Burst: 1})
	f.start(t)

	start := time.Now()
	for i := 0; i < 5; i++ {
		f.d.Send(protocol.Servo(i), time.Second)
	}
	require.Eventually(t, func() bool { return len(f.w.names()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestStreamDroppedWhenLimiterEmpty(t *testing.T) {
	f := newFixture(t, Config{Rate: 1, Burst: 1})

	f.d.Send(protocol.Servo(10), 0)
	sp := f.d.Send(protocol.Setpoint(100, 0, 200), 0)
	f.start(t)

	res := waitResult(t, sp)
	assert.ErrorIs(t, res.Err, ErrRateLimited)
	assert.Equal(t, []string{"servo"}, f.w.names())
}

func TestRegisterBeforeWrite(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.start(t)

	waitResult(t, f.d.Send(protocol.Setpoint(0, 0, 200), 0))
	stop := f.d.Send(protocol.Stop(), time.Second)
	require.Eventually(t, func() bool { return len(f.log.list()) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"write setpoint", "add setpoint", "add stop", "write stop"}, f.log.list())

	f.m.ProcessLine("{stop_ok}")
	assert.True(t, waitResult(t, stop).OK)
}

func TestWriteErrorCancelsRequest(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.w.err = bridgeerrors.Wrap(bridgeerrors.KindNotReady, "write", bridgeerrors.ErrNotReady)
	f.start(t)

	res := waitResult(t, f.d.Send(protocol.Stop(), time.Second))
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, bridgeerrors.ErrNotReady)
	assert.Contains(t, f.log.list(), "cancel stop")

	res = waitResult(t, f.d.Send(protocol.Setpoint(1, 1, 200), 0))
	assert.ErrorIs(t, res.Err, bridgeerrors.ErrNotReady)
}

func TestShutdownRejectsQueued(t *testing.T) {
	f := newFixture(t, fastConfig())
	queued := []*matcher.Request{
		f.d.Send(protocol.Servo(1), 0),
		f.d.Send(protocol.Setpoint(1, 1, 200), 0),
	}

	f.cancel()
	require.NoError(t, f.d.Run(f.ctx))

	for _, req := range queued {
		res := waitResult(t, req)
		assert.Equal(t, bridgeerrors.KindShutdown, bridgeerrors.KindOf(res.Err))
	}
	late := waitResult(t, f.d.Send(protocol.Stop(), 0))
	assert.True(t, errors.Is(late.Err, bridgeerrors.ErrShutdown))
	assert.Empty(t, f.w.names())
}

func TestQueueFullSparesStop(t *testing.T) {
	f := newFixture(t, Config{Rate: 1000, Burst: 10, MaxQueue: 2})

	f.d.Send(protocol.Servo(1), 0)
	f.d.Send(protocol.Servo(2), 0)
	full := f.d.Send(protocol.Servo(3), 0)
	f.d.Send(protocol.Stop(), 0)

	res := waitResult(t, full)
	assert.Equal(t, bridgeerrors.KindQueueFull, bridgeerrors.KindOf(res.Err))
	assert.Equal(t, 3, f.d.Depth())
}

func TestDefaultTimeoutsByClass(t *testing.T) {
	f := newFixture(t, Config{CommandTimeout: 123 * time.Millisecond, DiagnosticsTimeout: 456 * time.Millisecond})

	assert.Equal(t, 123*time.Millisecond, f.d.Send(protocol.Servo(1), 0).Timeout)
	assert.Equal(t, 456*time.Millisecond, f.d.Send(protocol.DiagnosticsCmd(), 0).Timeout)
	assert.Equal(t, time.Second, f.d.Send(protocol.Stop(), time.Second).Timeout)
}
