package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/shaunagostinho/zipbridge/internal/errors"
	"github.com/shaunagostinho/zipbridge/internal/matcher"
	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	cmds []protocol.Command
}

func (r *recorder) Send(cmd protocol.Command, timeout time.Duration) *matcher.Request {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	return matcher.NewRequest(cmd, timeout)
}

func (r *recorder) setpoints() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Command
	for _, c := range r.cmds {
		if c.N == protocol.OpSetpoint {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) last() protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmds[len(r.cmds)-1]
}

func startStreamer(t *testing.T, cfg Config) (*Streamer, *recorder, context.CancelFunc) {
	t.Helper()
	rec := &recorder{}
	s := New(cfg, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, rec, cancel
}

func TestUpdatesBetweenTicksCoalesce(t *testing.T) {
	s, rec, _ := startStreamer(t, Config{})

	_, err := s.Start(0, 0, 10, 200, "client-1")
	require.NoError(t, err)
	require.Len(t, rec.setpoints(), 1, "first frame is sent on start")

	for i := 1; i <= 20; i++ {
		require.NoError(t, s.Update(i, -i, 0))
	}

	require.Eventually(t, func() bool { return len(rec.setpoints()) >= 2 }, time.Second, 2*time.Millisecond)
	frames := rec.setpoints()
	require.Len(t, frames, 2, "one frame per tick")
	assert.Equal(t, 20, *frames[1].D1)
	assert.Equal(t, -20, *frames[1].D2)
	assert.Equal(t, 200, *frames[1].T)
}

func TestStartClampsRateAndTTL(t *testing.T) {
	s, rec, _ := startStreamer(t, Config{})

	snap, err := s.Start(300, -300, 50, 1000, "")
	require.NoError(t, err)
	assert.Equal(t, MaxRateHz, snap.RateHz)
	assert.Equal(t, 300, snap.TTLMs)
	assert.Equal(t, 255, snap.V)
	assert.Equal(t, -255, snap.W)

	snap, err = s.Start(10, 10, 0, 10, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRateHz, snap.RateHz)
	assert.Equal(t, 150, snap.TTLMs)
	assert.Equal(t, 150, *rec.last().T)

	snap, err = s.Start(10, 10, -5, 0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRateHz, snap.RateHz)
	assert.Equal(t, DefaultTTLMs, snap.TTLMs)
}

func TestConfiguredTTLWindow(t *testing.T) {
	s, _, _ := startStreamer(t, Config{TTLMinMs: 180, TTLMaxMs: 250})

	snap, err := s.Start(0, 0, 5, 100, "")
	require.NoError(t, err)
	assert.Equal(t, 180, snap.TTLMs)

	require.NoError(t, s.Update(1, 1, 400))
	assert.Eventually(t, func() bool { return s.Snapshot().TTLMs == 250 }, time.Second, 5*time.Millisecond)
}

func TestUpdateWithoutStream(t *testing.T) {
	s, rec, _ := startStreamer(t, Config{})
	assert.ErrorIs(t, s.Update(10, 10, 0), ErrNotActive)
	assert.Empty(t, rec.setpoints())
}

func TestHardStopSubmitsStop(t *testing.T) {
	s, rec, _ := startStreamer(t, Config{})

	_, err := s.Start(100, 0, 20, 200, "")
	require.NoError(t, err)

	req, err := s.Stop(true)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, protocol.OpStop, req.Command.N)
	assert.Equal(t, protocol.OpStop, rec.last().N)
	assert.False(t, s.Snapshot().Active)

	sent := len(rec.setpoints())
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, rec.setpoints(), sent, "no frames after stop")
}

func TestSoftStopLeavesTTLToFirmware(t *testing.T) {
	s, rec, _ := startStreamer(t, Config{})

	_, err := s.Start(100, 0, 10, 200, "")
	require.NoError(t, err)
	req, err := s.Stop(false)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Equal(t, protocol.OpSetpoint, rec.last().N)
}

func TestStopOwnedBy(t *testing.T) {
	s, rec, _ := startStreamer(t, Config{})

	_, err := s.Start(50, 50, 10, 200, "a")
	require.NoError(t, err)

	_, stopped := s.StopOwnedBy("b")
	assert.False(t, stopped)
	assert.True(t, s.Snapshot().Active)

	req, stopped := s.StopOwnedBy("a")
	assert.True(t, stopped)
	require.NotNil(t, req)
	assert.Equal(t, protocol.OpStop, rec.last().N)
	assert.False(t, s.Snapshot().Active)
}

func TestCallsAfterShutdown(t *testing.T) {
	s, rec, cancel := startStreamer(t, Config{})
	cancel()
	<-s.done

	_, err := s.Start(1, 1, 10, 200, "")
	assert.Equal(t, bridgeerrors.KindShutdown, bridgeerrors.KindOf(err))

	// A hard stop still reaches the dispatcher.
	req, err := s.Stop(true)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, protocol.OpStop, rec.last().N)
}
