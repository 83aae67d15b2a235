package cluster

// ArchitectureType selects how a deployment serves a request.
type ArchitectureType string

const (
	ArchitectureMonolithic      ArchitectureType = "monolithic"
	ArchitectureDisaggregatedPD ArchitectureType = "disaggregated_pd"
)

// InstanceState is the lifecycle state of an instance.
type InstanceState string

const (
	InstanceProvisioning InstanceState = "provisioning"
	InstanceReady        InstanceState = "ready"
	InstanceDraining     InstanceState = "draining"
	InstanceTerminated   InstanceState = "terminated"
)

// Drain policies applied on scale-down.
const (
	DrainImmediate = "immediate"
	DrainWait      = "wait"
	DrainRedirect  = "redirect"
)

// Auto-scale trigger modes.
const (
	TriggerPeriodic = "periodic"
	TriggerReactive = "reactive"
)

// Snapshot refresh modes.
const (
	RefreshImmediate = "immediate"
	RefreshPeriodic  = "periodic"
)

// EventType identifies an event class.
type EventType string

const (
	EventTypeArrival          EventType = "Arrival"
	EventTypeRouteDecision    EventType = "RouteDecision"
	EventTypeInstanceStep     EventType = "InstanceStep"
	EventTypeRequestCompleted EventType = "RequestCompleted"
	EventTypeKVTransfer       EventType = "KVTransfer"
	EventTypeAutoScaleCheck   EventType = "AutoScaleCheck"
	EventTypeScaleAction      EventType = "ScaleAction"
	EventTypeInstanceReady    EventType = "InstanceReady"
)

// EventTypePriority defines ordering for simultaneous events.
// Lower values are processed first.
var EventTypePriority = map[EventType]int{
	EventTypeArrival:          1,
	EventTypeRouteDecision:    2,
	EventTypeInstanceStep:     3,
	EventTypeRequestCompleted: 4,
	EventTypeKVTransfer:       5,
	EventTypeAutoScaleCheck:   6,
	EventTypeScaleAction:      7,
	EventTypeInstanceReady:    8,
}
