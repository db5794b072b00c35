package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", Validation("past_slot", "that time has already passed"), true},
		{"wrapped conflict", fmt.Errorf("book: %w", Conflict("that time is no longer available")), true},
		{"policy", Policy("reschedule_cap", "already rescheduled"), true},
		{"blocked", &PolicyBlockedError{State: "PENDING", FeeCents: 30000}, true},
		{"upstream", &UpstreamUnavailable{Op: "get_payment", Err: errors.New("timeout")}, true},
		{"not found", NotFound("appointment"), true},
		{"plain", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsKind(tt.err))
		})
	}
}

func TestUpstreamUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("confirm: %w", &UpstreamUnavailable{Op: "get_payment", Err: cause})

	require.ErrorIs(t, err, cause)

	var up *UpstreamUnavailable
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "get_payment", up.Op)
}

func TestMessagesAreVerbatim(t *testing.T) {
	err := Validation("closed_weekday", "the clinic is closed on %s", "Sunday")
	assert.Equal(t, "the clinic is closed on Sunday", err.Error())
	assert.Equal(t, "appointment not found", NotFound("appointment").Error())
}
