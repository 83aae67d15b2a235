package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequest_ProgressAccessors(t *testing.T) {
	// GIVEN a request with a 10-token prompt and 4 output tokens
	r := newReq("r", 100, 10, 4)

	// THEN it starts in prefill with all tokens remaining
	assert.True(t, r.InPrefill())
	assert.Equal(t, int64(14), r.TotalTokens())
	assert.Equal(t, int64(13), r.RemainingTokens(), "prefill emits the first output token")

	// WHEN the prompt and two decode steps are computed
	r.ProgressIndex = 12
	assert.False(t, r.InPrefill())
	assert.False(t, r.Done())
	assert.Equal(t, int64(1), r.RemainingTokens())

	r.ProgressIndex = 13
	assert.True(t, r.Done())
}

func TestRequest_LatencyMetrics(t *testing.T) {
	r := newReq("r", 100, 10, 5)
	assert.Equal(t, int64(0), r.TTFT(), "no first token yet")

	r.FirstTokenTime, r.TTFTSet = 300, true
	r.CompletionTime, r.State = 700, StateCompleted
	assert.Equal(t, int64(200), r.TTFT())
	assert.Equal(t, int64(600), r.E2E())
	assert.InDelta(t, 100.0, r.TPOT(), 1e-9)
}

func TestRequestState_IsTerminal(t *testing.T) {
	for _, s := range []RequestState{StateCompleted, StateRejected, StateTimedOut, StateDropped} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StateQueued.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
}

func TestRequest_ResetProgressRevertsDecodePhase(t *testing.T) {
	r := newReq("r", 0, 10, 5)
	r.Phase = PhaseDecode
	r.ProgressIndex = 11
	r.ResetProgress()
	assert.Equal(t, int64(0), r.ProgressIndex)
	assert.Equal(t, PhaseFull, r.Phase)
}
