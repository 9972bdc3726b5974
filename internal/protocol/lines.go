package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// LineKind is the shape of a received line.
type LineKind int

const (
	LineNoise LineKind = iota
	LineBoot
	LineToken
	// LineDiagState is the N=120 state line: {M12,-12,1,3,hw:...}
	LineDiagState
	// LineDiagStats is the N=120 parser stats line: {stats:rx=0,...}
	LineDiagStats
)

func (k LineKind) String() string {
	switch k {
	case LineBoot:
		return "boot"
	case LineToken:
		return "token"
	case LineDiagState:
		return "diag_state"
	case LineDiagStats:
		return "diag_stats"
	default:
		return "noise"
	}
}

// IsDiagnostics reports whether the line belongs to a diagnostics reply.
func (k LineKind) IsDiagnostics() bool {
	return k == LineDiagState || k == LineDiagStats
}

var (
	tokenRe     = regexp.MustCompile(`^\{([A-Za-z0-9]{0,16})_([^{}]+)\}$`)
	diagStateRe = regexp.MustCompile(`^\{([A-Za-z]?)(-?\d+),(-?\d+),(\d+),(\d+)(,[^{}]*)?\}$`)
	diagStatsRe = regexp.MustCompile(`^\{stats:([^{}]*)\}$`)
	integerRe   = regexp.MustCompile(`^-?\d+$`)
	keyValuesRe = regexp.MustCompile(`^[A-Za-z0-9_]+:-?\d+(,[A-Za-z0-9_]+:-?\d+)*$`)
)

const bareOK = "{ok}"

// ClassifyLine returns the shape of a single received line.
func ClassifyLine(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case IsBootMarker(line):
		return LineBoot
	case line == bareOK || tokenRe.MatchString(line):
		return LineToken
	case diagStatsRe.MatchString(line):
		return LineDiagStats
	case diagStateRe.MatchString(line):
		return LineDiagState
	default:
		return LineNoise
	}
}

// IsBootMarker reports whether line is the firmware's reset marker.
func IsBootMarker(line string) bool {
	return strings.TrimSpace(line) == BootMarker
}

// ResultKind classifies the result part of a token.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultFalse
	ResultTrue
	ResultValue
	ResultUnknown
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultFalse:
		return "false"
	case ResultTrue:
		return "true"
	case ResultValue:
		return "value"
	default:
		return "unknown"
	}
}

// Token is a parsed single-line reply.
type Token struct {
	Raw    string
	Tag    string
	Result string
	Kind   ResultKind
}

// Success reports whether the token means the command succeeded. Only false
// and unrecognised results are failures.
func (t Token) Success() bool {
	return t.Kind != ResultFalse && t.Kind != ResultUnknown
}

// ParseToken parses a "{tag_result}" or "{ok}" line.
func ParseToken(line string) (Token, bool) {
	line = strings.TrimSpace(line)
	if line == bareOK {
		return Token{Raw: line, Result: "ok", Kind: ResultOK}, true
	}
	m := tokenRe.FindStringSubmatch(line)
	if m == nil {
		return Token{}, false
	}
	return Token{Raw: line, Tag: m[1], Result: m[2], Kind: classifyResult(m[2])}, true
}

func classifyResult(r string) ResultKind {
	switch {
	case r == "ok":
		return ResultOK
	case r == "false":
		return ResultFalse
	case r == "true":
		return ResultTrue
	case integerRe.MatchString(r), keyValuesRe.MatchString(r):
		return ResultValue
	default:
		return ResultUnknown
	}
}

// IsHelloReply reports whether line answers the handshake.
func IsHelloReply(line string) bool {
	tok, ok := ParseToken(line)
	return ok && tok.Tag == helloTag && tok.Kind == ResultOK
}

// MatchesReply reports whether line has the reply shape cmd expects. Tags
// are checked here for diagnostics only; correlation itself is FIFO based.
func MatchesReply(cmd Command, line string) bool {
	kind := ClassifyLine(line)
	switch cmd.Reply() {
	case ReplyToken:
		if kind != LineToken {
			return false
		}
		tok, _ := ParseToken(line)
		return tok.Tag == cmd.ReplyTag()
	case ReplyDiagnostics:
		return kind.IsDiagnostics()
	default:
		return false
	}
}

// Diagnostics is the decoded form of an N=120 reply.
type Diagnostics struct {
	Owner       string            `json:"owner,omitempty"`
	LeftPWM     int               `json:"leftPwm"`
	RightPWM    int               `json:"rightPwm"`
	MotionState int               `json:"motionState"`
	Resets      int               `json:"resets"`
	Fields      map[string]string `json:"fields,omitempty"`
	Extra       []string          `json:"extra,omitempty"`
	Stats       map[string]int64  `json:"stats,omitempty"`
	HasState    bool              `json:"hasState"`
	HasStats    bool              `json:"hasStats"`
}

// ParseDiagnostics decodes the lines of a diagnostics reply. Lines of any
// other shape are ignored.
func ParseDiagnostics(lines []string) Diagnostics {
	var d Diagnostics
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if m := diagStatsRe.FindStringSubmatch(line); m != nil {
			d.HasStats = true
			if d.Stats == nil {
				d.Stats = make(map[string]int64)
			}
			for _, kv := range strings.Split(m[1], ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					continue
				}
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					d.Stats[k] = n
				}
			}
			continue
		}
		m := diagStateRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		d.HasState = true
		d.Owner = m[1]
		d.LeftPWM, _ = strconv.Atoi(m[2])
		d.RightPWM, _ = strconv.Atoi(m[3])
		d.MotionState, _ = strconv.Atoi(m[4])
		d.Resets, _ = strconv.Atoi(m[5])
		for _, part := range strings.Split(strings.TrimPrefix(m[6], ","), ",") {
			if part == "" {
				continue
			}
			if k, v, ok := strings.Cut(part, ":"); ok {
				if d.Fields == nil {
					d.Fields = make(map[string]string)
				}
				d.Fields[k] = v
			} else {
				d.Extra = append(d.Extra, part)
			}
		}
	}
	return d
}
