package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base(ts int64, typ EventType, id uint64) BaseEvent {
	return BaseEvent{timestamp: ts, eventID: id, eventType: typ}
}

// TestEventHeap_TimestampOrdering tests that events are processed in timestamp order
func TestEventHeap_TimestampOrdering(t *testing.T) {
	h := NewEventHeap()
	h.Schedule(&ArrivalEvent{BaseEvent: base(100, EventTypeArrival, 1)})
	h.Schedule(&ArrivalEvent{BaseEvent: base(50, EventTypeArrival, 2)})
	h.Schedule(&ArrivalEvent{BaseEvent: base(150, EventTypeArrival, 3)})

	var got []int64
	for h.Len() > 0 {
		got = append(got, h.PopNext().Timestamp())
	}
	assert.Equal(t, []int64{50, 100, 150}, got)
	assert.Nil(t, h.PopNext())
	assert.Nil(t, h.Peek())
}

// TestEventHeap_TypePriorityOrdering tests same-timestamp events use type priority
func TestEventHeap_TypePriorityOrdering(t *testing.T) {
	h := NewEventHeap()
	h.Schedule(&InstanceReadyEvent{BaseEvent: base(100, EventTypeInstanceReady, 1)})
	h.Schedule(&ScaleActionEvent{BaseEvent: base(100, EventTypeScaleAction, 2)})
	h.Schedule(&InstanceStepEvent{BaseEvent: base(100, EventTypeInstanceStep, 3)})
	h.Schedule(&KVTransferEvent{BaseEvent: base(100, EventTypeKVTransfer, 4)})
	h.Schedule(&RequestCompletedEvent{BaseEvent: base(100, EventTypeRequestCompleted, 5)})
	h.Schedule(&RouteDecisionEvent{BaseEvent: base(100, EventTypeRouteDecision, 6)})
	h.Schedule(&AutoScaleCheckEvent{BaseEvent: base(100, EventTypeAutoScaleCheck, 7)})
	h.Schedule(&ArrivalEvent{BaseEvent: base(100, EventTypeArrival, 8)})

	want := []EventType{
		EventTypeArrival, EventTypeRouteDecision, EventTypeInstanceStep, EventTypeRequestCompleted,
		EventTypeKVTransfer, EventTypeAutoScaleCheck, EventTypeScaleAction, EventTypeInstanceReady,
	}
	for i, w := range want {
		e := h.PopNext()
		require.NotNil(t, e)
		assert.Equal(t, w, e.Type(), "position %d", i)
	}
}

// TestEventHeap_EventIDTieBreak tests same-timestamp same-type events pop in ID order
func TestEventHeap_EventIDTieBreak(t *testing.T) {
	h := NewEventHeap()
	for _, id := range []uint64{7, 3, 9, 1} {
		h.Schedule(&InstanceStepEvent{BaseEvent: base(10, EventTypeInstanceStep, id)})
	}

	require.Equal(t, uint64(1), h.Peek().EventID())
	var got []uint64
	for h.Len() > 0 {
		got = append(got, h.PopNext().EventID())
	}
	assert.Equal(t, []uint64{1, 3, 7, 9}, got)
}

func TestEventTypePriority_CoversEveryType(t *testing.T) {
	seen := make(map[int]EventType)
	for typ, p := range EventTypePriority {
		other, dup := seen[p]
		assert.False(t, dup, "%s and %s share priority %d", typ, other, p)
		seen[p] = typ
	}
	assert.Len(t, EventTypePriority, 8)
}
