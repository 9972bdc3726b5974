package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/zipbridge/internal/protocol"
)

// Default reply timeouts.
const (
	DefaultCommandTimeout     = 250 * time.Millisecond
	DefaultDiagnosticsTimeout = 3000 * time.Millisecond
)

// DefaultTimeout returns the reply timeout for cmd when the caller gave none.
func DefaultTimeout(cmd protocol.Command) time.Duration {
	if cmd.Reply() == protocol.ReplyDiagnostics {
		return DefaultDiagnosticsTimeout
	}
	return DefaultCommandTimeout
}

// Result is the terminal outcome of a request.
type Result struct {
	OK          bool                  `json:"ok"`
	Token       string                `json:"token,omitempty"`
	Kind        string                `json:"kind,omitempty"`
	Value       string                `json:"value,omitempty"`
	Lines       []string              `json:"lines,omitempty"`
	Diagnostics *protocol.Diagnostics `json:"diagnostics,omitempty"`
	NoReply     bool                  `json:"noReply,omitempty"`
	Error       string                `json:"error,omitempty"`
	TimingMs    int64                 `json:"timingMs"`

	Err     error         `json:"-"`
	Elapsed time.Duration `json:"-"`
}

func errorResult(err error, elapsed time.Duration) Result {
	return Result{
		OK:       false,
		Error:    err.Error(),
		Err:      err,
		Elapsed:  elapsed,
		TimingMs: elapsed.Milliseconds(),
	}
}

// Request is one tracked firmware command. It resolves exactly once.
type Request struct {
	ID      string
	Command protocol.Command
	Timeout time.Duration

	// sentAt is set by the matcher when the request is registered.
	sentAt time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

// NewRequest creates a request. A non-positive timeout selects the default
// for the command.
func NewRequest(cmd protocol.Command, timeout time.Duration) *Request {
	if timeout <= 0 {
		timeout = DefaultTimeout(cmd)
	}
	return &Request{
		ID:      uuid.New().String(),
		Command: cmd,
		Timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Done is closed once the request has a result.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (r *Request) Result() Result {
	<-r.done
	return r.result
}

// Wait blocks until the request resolves or ctx ends. Cancelling ctx does
// not remove the request from the matcher.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Fail resolves the request with err unless it already resolved. It reports
// whether this call resolved it.
func (r *Request) Fail(err error) bool {
	return r.resolve(errorResult(err, 0))
}

func (r *Request) resolve(res Result) bool {
	resolved := false
	r.once.Do(func() {
		r.result = res
		close(r.done)
		resolved = true
	})
	return resolved
}
