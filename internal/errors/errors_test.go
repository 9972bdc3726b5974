package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", New("boom"), KindUnknown},
		{"sentinel timeout", ErrCommandTimeout, KindCommandTimeout},
		{"wrapped sentinel", fmt.Errorf("request 3: %w", ErrCommandRejected), KindCommandRejected},
		{"transport helper", Transport("write", New("EIO")), KindTransport},
		{"validation helper", Validation("v out of range: %d", 300), KindValidation},
		{"classified wins", Wrap(KindQueueFull, "submit", ErrShutdown), KindQueueFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTimeoutMessage(t *testing.T) {
	assert.Equal(t, "timeout", ErrCommandTimeout.Error())
	assert.True(t, IsTimeout(fmt.Errorf("pending 7: %w", ErrCommandTimeout)))
}

func TestTransportUnwraps(t *testing.T) {
	cause := New("device removed")
	err := Transport("read", cause)

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Contains(t, err.Error(), "read")
}

func TestValidationMessage(t *testing.T) {
	err := Validation("ttlMs %d outside [100,500]", 50)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "ttlMs 50 outside [100,500]")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTransport, "op", nil))
	assert.Nil(t, Transport("op", nil))
}
