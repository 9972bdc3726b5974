package sim

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

type board struct {
	t  *testing.T
	fw *Firmware
	rd *bufio.Reader
}

func newBoard(t *testing.T, opts Options) *board {
	t.Helper()
	fw := New(opts)
	t.Cleanup(func() { _ = fw.Close() })
	return &board{t: t, fw: fw, rd: bufio.NewReader(fw)}
}

func (b *board) send(cmd protocol.Command) {
	b.t.Helper()
	frame, err := cmd.Frame()
	require.NoError(b.t, err)
	_, err = b.fw.Write(frame)
	require.NoError(b.t, err)
}

func (b *board) readLine() string {
	b.t.Helper()
	got := make(chan string, 1)
	go func() {
		line, _ := b.rd.ReadString('\n')
		got <- strings.TrimSpace(line)
	}()
	select {
	case line := <-got:
		return line
	case <-time.After(time.Second):
		b.t.Fatal("no line from firmware")
		return ""
	}
}

func TestResetPrintsBootMarker(t *testing.T) {
	b := newBoard(t, Options{})
	require.NoError(t, b.fw.SetDTR(false))
	require.NoError(t, b.fw.SetDTR(true))

	assert.Equal(t, protocol.LineNoise, protocol.ClassifyLine(b.readLine()))
	assert.True(t, protocol.IsBootMarker(b.readLine()))
}

func TestRepliesByOpcode(t *testing.T) {
	b := newBoard(t, Options{})

	b.send(protocol.Hello())
	assert.True(t, protocol.IsHelloReply(b.readLine()))

	b.send(protocol.Servo(45))
	assert.Equal(t, "{sv_ok}", b.readLine())

	b.send(protocol.Command{N: 42})
	assert.Equal(t, "{ok}", b.readLine())

	b.send(protocol.Command{N: 42, H: "abc"})
	assert.Equal(t, "{abc_ok}", b.readLine())

	b.send(protocol.Macro(99, 100, 2000))
	tok, ok := protocol.ParseToken(b.readLine())
	require.True(t, ok)
	assert.Equal(t, protocol.ResultFalse, tok.Kind)

	b.send(protocol.Battery(true))
	tok, ok = protocol.ParseToken(b.readLine())
	require.True(t, ok)
	assert.True(t, tok.Success())
	assert.Contains(t, tok.Result, "batt_mv:")
}

func TestSetpointIsSilentAndShowsInDiagnostics(t *testing.T) {
	b := newBoard(t, Options{})

	b.send(protocol.Setpoint(100, 20, 300))
	b.send(protocol.DiagnosticsCmd())

	state := b.readLine()
	stats := b.readLine()
	assert.Equal(t, protocol.LineDiagState, protocol.ClassifyLine(state))
	assert.Equal(t, protocol.LineDiagStats, protocol.ClassifyLine(stats))

	d := protocol.ParseDiagnostics([]string{state, stats})
	assert.Equal(t, "M", d.Owner)
	assert.Equal(t, 80, d.LeftPWM)
	assert.Equal(t, 120, d.RightPWM)
	assert.Equal(t, "sim0", d.Fields["hw"])
}

func TestStopHaltsMotion(t *testing.T) {
	b := newBoard(t, Options{})

	b.send(protocol.DirectMotor(200, 200))
	tok, ok := protocol.ParseToken(b.readLine())
	require.True(t, ok)
	assert.Equal(t, protocol.Lookup(protocol.OpDirectMotor).Tag, tok.Tag)

	b.send(protocol.Stop())
	tok, ok = protocol.ParseToken(b.readLine())
	require.True(t, ok)
	assert.Equal(t, protocol.ResultOK, tok.Kind)

	b.send(protocol.DiagnosticsCmd())
	d := protocol.ParseDiagnostics([]string{b.readLine(), b.readLine()})
	assert.Equal(t, "X", d.Owner)
	assert.Zero(t, d.LeftPWM)
}

func TestMalformedInputIsCounted(t *testing.T) {
	b := newBoard(t, Options{})

	_, err := b.fw.Write([]byte("not json\n" + strings.Repeat("x", 80) + "\n"))
	require.NoError(t, err)
	b.send(protocol.DiagnosticsCmd())

	d := protocol.ParseDiagnostics([]string{b.readLine(), b.readLine()})
	assert.EqualValues(t, 1, d.Stats["pe"])
	assert.EqualValues(t, 1, d.Stats["jd"])
	assert.Len(t, b.fw.Received(), 1)
}

func TestMuteHello(t *testing.T) {
	b := newBoard(t, Options{MuteHello: true})
	b.send(protocol.Hello())
	b.send(protocol.Command{N: 42})
	assert.Equal(t, "{ok}", b.readLine())
}

func TestClosedPort(t *testing.T) {
	fw := New(Options{})
	require.NoError(t, fw.Close())
	_, err := fw.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = fw.Write([]byte("{}\n"))
	assert.ErrorIs(t, err, ErrClosed)
}
