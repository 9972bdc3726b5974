package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOmitsUnsetFields(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"hello", Hello(), `{"N":0}`},
		{"stop", Stop(), `{"N":201,"H":"stop"}`},
		{"setpoint", Setpoint(120, -40, 200), `{"N":200,"D1":120,"D2":-40,"T":200}`},
		{"direct motor", DirectMotor(-80, 80), `{"N":999,"H":"dm","D1":-80,"D2":80}`},
		{"diagnostics", DiagnosticsCmd(), `{"N":120}`},
		{"zero values kept when set", Servo(0), `{"N":5,"H":"sv","D1":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.cmd.Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestFrameAppendsTerminator(t *testing.T) {
	data, err := Stop().Frame()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestEncodeRejectsOverlongCommand(t *testing.T) {
	cmd := Command{N: 5, H: strings.Repeat("x", 80)}
	_, err := cmd.Encode()
	assert.Error(t, err)
}

func TestBuildersClamp(t *testing.T) {
	sp := Setpoint(400, -400, 1000)
	assert.Equal(t, 255, *sp.D1)
	assert.Equal(t, -255, *sp.D2)
	assert.Equal(t, SetpointTTLMax, *sp.T)

	sp = Setpoint(0, 0, 10)
	assert.Equal(t, SetpointTTLMin, *sp.T)

	assert.Equal(t, 180, *Servo(270).D1)
	assert.Equal(t, MacroTTLMin, *Macro(MacroSpin360, 300, 5).T)
	assert.Equal(t, IntensityMax, *Macro(MacroSpin360, 300, 5).D2)
}

func TestOpcodeTable(t *testing.T) {
	tests := []struct {
		n        int
		reply    ReplyKind
		priority Priority
	}{
		{OpHello, ReplyToken, PriorityCommand},
		{OpDiagnostics, ReplyDiagnostics, PriorityDiagnostics},
		{OpSetpoint, ReplyNone, PriorityStream},
		{OpStop, ReplyToken, PriorityStop},
		{OpLegacyStop, ReplyToken, PriorityStop},
		{OpDirectMotor, ReplyToken, PriorityDirectMotor},
		{OpMacro, ReplyToken, PriorityCommand},
		{42, ReplyToken, PriorityCommand},
	}

	for _, tt := range tests {
		info := Lookup(tt.n)
		assert.Equal(t, tt.reply, info.Reply, "N=%d reply", tt.n)
		assert.Equal(t, tt.priority, info.Priority, "N=%d priority", tt.n)
	}
	assert.Equal(t, "legacy_42", Lookup(42).Name)
	assert.False(t, Setpoint(0, 0, 200).ExpectsReply())
}

func TestReplyTag(t *testing.T) {
	assert.Equal(t, "hello", Hello().ReplyTag())
	assert.Equal(t, "hello", Command{N: OpHello, H: "abc"}.ReplyTag())
	assert.Equal(t, "stop", Stop().ReplyTag())
	assert.Equal(t, "", Command{N: OpLegacyStop, H: "zz"}.ReplyTag())
	assert.Equal(t, "abcdefg", Command{N: 3, H: "abcdefghij"}.ReplyTag())
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want LineKind
	}{
		{"R", LineBoot},
		{"  R  ", LineBoot},
		{"{hello_ok}", LineToken},
		{"{stop_ok}", LineToken},
		{"{ok}", LineToken},
		{"{us_false}", LineToken},
		{"{us_23}", LineToken},
		{"{bat_adc:512,a3_mv:2500,batt_mv:7400}", LineToken},
		{"{I100,-100,0,1,5}", LineDiagState},
		{"{M12,-12,1,3,hw:a1b2,imu:1,ram:512,min:480}", LineDiagState},
		{"{0,0,0,1}", LineDiagState},
		{"{stats:rx=10,jd=0,pe=0,tx=5,ms=1000}", LineDiagStats},
		{"HW:a1b2 imu=1 batt=7400", LineNoise},
		{"garbage", LineNoise},
		{"{}", LineNoise},
		{"RR", LineNoise},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyLine(tt.line))
		})
	}
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		line    string
		tag     string
		kind    ResultKind
		success bool
	}{
		{"{stop_ok}", "stop", ResultOK, true},
		{"{ok}", "", ResultOK, true},
		{"{_ok}", "", ResultOK, true},
		{"{us_true}", "us", ResultTrue, true},
		{"{us_false}", "us", ResultFalse, false},
		{"{us_23}", "us", ResultValue, true},
		{"{ln_-4}", "ln", ResultValue, true},
		{"{bat_adc:512,a3_mv:2500,batt_mv:7400}", "bat", ResultValue, true},
		{"{mac_busy}", "mac", ResultUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tok, ok := ParseToken(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.tag, tok.Tag)
			assert.Equal(t, tt.kind, tok.Kind)
			assert.Equal(t, tt.success, tok.Success())
			assert.Equal(t, tt.line, tok.Raw)
		})
	}

	_, ok := ParseToken("{I100,-100,0,1,5}")
	assert.False(t, ok)
}

func TestHelloRoundTrip(t *testing.T) {
	frame, err := Hello().Frame()
	require.NoError(t, err)

	parsed, err := ParseCommand(string(frame))
	require.NoError(t, err)
	assert.Equal(t, OpHello, parsed.N)
	assert.True(t, parsed.ExpectsReply())

	assert.Equal(t, LineToken, ClassifyLine("{hello_ok}"))
	assert.True(t, MatchesReply(parsed, "{hello_ok}"))
	assert.True(t, IsHelloReply("{hello_ok}"))
	assert.False(t, MatchesReply(parsed, "{stop_ok}"))
}

func TestParseDiagnostics(t *testing.T) {
	d := ParseDiagnostics([]string{
		"{M12,-12,1,3,hw:a1b2,imu:1,ram:512}",
		"{stats:rx=10,jd=0,pe=2,tx=5,ms=1000}",
	})

	assert.True(t, d.HasState)
	assert.True(t, d.HasStats)
	assert.Equal(t, "M", d.Owner)
	assert.Equal(t, 12, d.LeftPWM)
	assert.Equal(t, -12, d.RightPWM)
	assert.Equal(t, 1, d.MotionState)
	assert.Equal(t, 3, d.Resets)
	assert.Equal(t, "a1b2", d.Fields["hw"])
	assert.Equal(t, int64(2), d.Stats["pe"])
	assert.Equal(t, int64(1000), d.Stats["ms"])

	d = ParseDiagnostics([]string{"{I100,-100,0,1,5}"})
	assert.Equal(t, []string{"5"}, d.Extra)
	assert.False(t, d.HasStats)
}

func TestValidTag(t *testing.T) {
	assert.True(t, ValidTag(""))
	assert.True(t, ValidTag("abc123"))
	assert.False(t, ValidTag("has_us"))
	assert.False(t, ValidTag("toolong1"))
}
