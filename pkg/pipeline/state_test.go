package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateFetched, true},
		{StateFetched, StateExtracted, true},
		{StateExtracted, StateClipped, true},
		{StateClipped, StateSummarized, true},
		{StateSummarized, StateDone, true},
		{StatePending, StateFailed, true},
		{StateSummarized, StateFailed, true},
		{StatePending, StateExtracted, false},
		{StateClipped, StateFetched, false},
		{StateDone, StateFailed, false},
		{StateFailed, StatePending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range order {
		assert.Equal(t, s == StateDone, s.Terminal(), s)
	}
	assert.True(t, StateFailed.Terminal())
	assert.Equal(t, State(""), StateDone.Next())
	assert.Equal(t, State(""), StateFailed.Next())
}

func TestStateMachine_TracksLastState(t *testing.T) {
	sm := newStateMachine()
	require.NoError(t, sm.advance(StateFetched))
	require.NoError(t, sm.advance(StateExtracted))
	require.NoError(t, sm.advance(StateFailed))
	assert.Equal(t, StateFailed, sm.state)
	assert.Equal(t, StateExtracted, sm.last)

	assert.Error(t, sm.advance(StateClipped))
}
