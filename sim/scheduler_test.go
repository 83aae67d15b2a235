package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReq(id string, arrival int64, in, out int) *Request {
	return &Request{
		ID:           id,
		ArrivalTime:  arrival,
		InputTokens:  make([]int, in),
		OutputTokens: make([]int, out),
		State:        StateQueued,
	}
}

func ids(reqs []*Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

func TestFormBatch_RunningFirstThenWaiting(t *testing.T) {
	// GIVEN one decoding and one chunked-prefill request already running
	decoding := newReq("dec", 0, 10, 5)
	decoding.ProgressIndex = 12
	chunking := newReq("chunk", 1, 100, 5)
	chunking.ProgressIndex = 40
	q := &WaitQueue{}
	q.Enqueue(newReq("w1", 2, 30, 5))
	q.Enqueue(newReq("w2", 3, 30, 5))
	ctx := &BatchContext{
		Running:                   []*Request{decoding, chunking},
		Queue:                     q,
		MaxRunningReqs:            3,
		MaxScheduledTokens:        100,
		LongPrefillTokenThreshold: 50,
		CachedTokens:              func(r *Request) int64 { return 16 },
	}

	// WHEN planning with FCFS
	plan := (&FCFSScheduler{}).MakeBatch(ctx)

	// THEN decode gets 1 token, the chunk is capped by the threshold,
	// and only one waiting request fits under MaxRunningReqs
	assert.Equal(t, []string{"dec", "chunk", "w1"}, ids(plan.Schedule))
	assert.Equal(t, int64(1), plan.ChunkSizes["dec"])
	assert.Equal(t, int64(50), plan.ChunkSizes["chunk"])
	assert.Equal(t, int64(14), plan.ChunkSizes["w1"], "30 prompt tokens minus 16 cached")
	assert.Equal(t, int64(16), plan.Cached["w1"])
	assert.True(t, plan.IsNew(q.Items()[0]))
	assert.False(t, plan.IsNew(decoding))
	assert.Equal(t, 2, q.Len(), "MakeBatch does not dequeue")
}

func TestFormBatch_TokenBudgetDefersRunning(t *testing.T) {
	a := newReq("a", 0, 80, 1)
	b := newReq("b", 1, 80, 1)
	ctx := &BatchContext{Running: []*Request{a, b}, Queue: &WaitQueue{}, MaxRunningReqs: 8, MaxScheduledTokens: 80}
	plan := (&FCFSScheduler{}).MakeBatch(ctx)
	assert.Equal(t, []string{"a"}, ids(plan.Schedule))
	assert.Equal(t, 1, plan.Deferred)
}

func TestFormBatch_ThrottledSkipsPrefillOnly(t *testing.T) {
	q := &WaitQueue{}
	p := newReq("p", 0, 10, 1)
	p.Phase = PhasePrefill
	q.Enqueue(p)
	q.Enqueue(newReq("f", 1, 10, 1))
	ctx := &BatchContext{Queue: q, MaxRunningReqs: 8, MaxScheduledTokens: 100, Throttled: true}
	assert.Equal(t, []string{"f"}, ids((&FCFSScheduler{}).MakeBatch(ctx).Schedule))
}

func TestPriorityFCFS_OrdersByPriorityThenArrival(t *testing.T) {
	q := &WaitQueue{}
	low := newReq("low", 0, 10, 1)
	hiLate := newReq("hi-late", 5, 10, 1)
	hiLate.Priority = 2
	hiEarly := newReq("hi-early", 3, 10, 1)
	hiEarly.Priority = 2
	s := &PriorityFCFSScheduler{}
	ctx := &BatchContext{Queue: q, MaxRunningReqs: 8, MaxScheduledTokens: 1000}
	for _, r := range []*Request{low, hiLate, hiEarly} {
		s.OnRequestArrival(r, ctx)
	}
	assert.Equal(t, []string{"hi-early", "hi-late", "low"}, ids(s.MakeBatch(ctx).Schedule))
	assert.Equal(t, []string{"low", "hi-late", "hi-early"}, ids(q.Items()), "queue keeps arrival order")
}

func TestSJF_OrdersByInputLength(t *testing.T) {
	q := &WaitQueue{}
	q.Enqueue(newReq("long", 0, 50, 1))
	q.Enqueue(newReq("short", 1, 5, 1))
	ctx := &BatchContext{Queue: q, MaxRunningReqs: 8, MaxScheduledTokens: 1000}
	assert.Equal(t, []string{"short", "long"}, ids((&SJFScheduler{}).MakeBatch(ctx).Schedule))
}

func TestSelectPreemptionVictim(t *testing.T) {
	a := newReq("a", 0, 10, 100)
	a.Priority = 1
	b := newReq("b", 1, 10, 10)
	b.Priority = 5
	c := newReq("c", 2, 10, 10)
	c.Priority = 1
	running := []*Request{a, b, c}

	tests := []struct {
		name string
		s    InstanceScheduler
		want string
	}{
		{"fcfs evicts the tail", NewScheduler("fcfs"), "c"},
		{"priority evicts lowest priority, latest arrival", NewScheduler("priority-fcfs"), "c"},
		{"sjf evicts the most remaining work", NewScheduler("sjf"), "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.s.SelectPreemptionVictim(running, &BatchContext{})
			require.NotNil(t, v)
			assert.Equal(t, tt.want, v.ID)
		})
	}
	assert.Nil(t, NewScheduler("").SelectPreemptionVictim(nil, &BatchContext{}))
}

func TestNewScheduler_UnknownPanics(t *testing.T) {
	assert.PanicsWithValue(t, `unknown scheduler "lifo"`, func() { NewScheduler("lifo") })
}
