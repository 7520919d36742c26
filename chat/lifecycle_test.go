package chat

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendStateTransitions(t *testing.T) {
	tests := []struct {
		from SendState
		to   SendState
		ok   bool
	}{
		{StateComposing, StateOptimistic, true},
		{StateOptimistic, StateConfirmed, true},
		{StateOptimistic, StateFailed, true},
		{StateComposing, StateConfirmed, false},
		{StateComposing, StateFailed, false},
		{StateConfirmed, StateFailed, false},
		{StateFailed, StateOptimistic, false},
		{StateConfirmed, StateConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			got, err := tt.from.transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, got)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, tt.from, got)
		})
	}
}

func TestOutgoingAdvance(t *testing.T) {
	out := &Outgoing{State: StateComposing}

	require.NoError(t, out.advance(StateOptimistic))
	assert.False(t, out.State.Terminal())
	require.NoError(t, out.advance(StateFailed))
	assert.True(t, out.State.Terminal())

	assert.Error(t, out.advance(StateConfirmed))
	assert.Equal(t, StateFailed, out.State)
}
