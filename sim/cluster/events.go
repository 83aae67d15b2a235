package cluster

import (
	"github.com/inference-sim/blis/sim"
)

// Event is a simulation event. Execute dispatches to the owning handler.
type Event interface {
	Timestamp() int64
	EventID() uint64
	Type() EventType
	Execute(cs *ClusterSimulator)
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	timestamp int64
	eventID   uint64
	eventType EventType
}

func (e *BaseEvent) Timestamp() int64 { return e.timestamp }

func (e *BaseEvent) EventID() uint64 { return e.eventID }

func (e *BaseEvent) Type() EventType { return e.eventType }

// newBase stamps an event with the next per-simulator ID.
func (c *ClusterSimulator) newBase(timestamp int64, t EventType) BaseEvent {
	c.nextEventID++
	return BaseEvent{timestamp: timestamp, eventID: c.nextEventID, eventType: t}
}

// ArrivalEvent runs admission and priority for a request. Retry is set when
// the request comes back after an admission delay.
type ArrivalEvent struct {
	BaseEvent
	Request *sim.Request
	Retry   bool
}

func (e *ArrivalEvent) Execute(cs *ClusterSimulator) { cs.handleArrival(e) }

// RouteDecisionEvent routes an admitted request and enqueues it.
type RouteDecisionEvent struct {
	BaseEvent
	Request *sim.Request
}

func (e *RouteDecisionEvent) Execute(cs *ClusterSimulator) { cs.handleRouteDecision(e) }

// InstanceStepEvent runs one batch step on an instance.
type InstanceStepEvent struct {
	BaseEvent
	InstanceID string
	Epoch      int
}

func (e *InstanceStepEvent) Execute(cs *ClusterSimulator) { cs.handleInstanceStep(e) }

// RequestCompletedEvent finalises a request whose last token was produced.
type RequestCompletedEvent struct {
	BaseEvent
	Request    *sim.Request
	InstanceID string
	Epoch      int
}

func (e *RequestCompletedEvent) Execute(cs *ClusterSimulator) { cs.handleRequestCompleted(e) }

type transferPhase int

const (
	transferLanded transferPhase = iota // local offload or reload
	handoffThreshold
	handoffComplete
)

// KVTransferEvent delivers a KV transfer milestone to the source instance.
type KVTransferEvent struct {
	BaseEvent
	InstanceID string
	TransferID int64
	Epoch      int
	Phase      transferPhase
}

func (e *KVTransferEvent) Execute(cs *ClusterSimulator) { cs.handleKVTransfer(e) }

// AutoScaleCheckEvent evaluates the auto-scale policy for one pool.
type AutoScaleCheckEvent struct {
	BaseEvent
	Pool *pool
}

func (e *AutoScaleCheckEvent) Execute(cs *ClusterSimulator) { cs.handleAutoScaleCheck(e) }

// ScaleActionEvent actuates a scaling decision.
type ScaleActionEvent struct {
	BaseEvent
	Pool     *pool
	Decision sim.ScaleDecision
}

func (e *ScaleActionEvent) Execute(cs *ClusterSimulator) { cs.handleScaleAction(e) }

// DrainTimeoutEvent ends a wait-drain. It shares the ScaleAction priority.
type DrainTimeoutEvent struct {
	BaseEvent
	InstanceID string
	Epoch      int
}

func (e *DrainTimeoutEvent) Execute(cs *ClusterSimulator) { cs.handleDrainTimeout(e) }

// InstanceReadyEvent ends provisioning.
type InstanceReadyEvent struct {
	BaseEvent
	InstanceID string
	Epoch      int
}

func (e *InstanceReadyEvent) Execute(cs *ClusterSimulator) { cs.handleInstanceReady(e) }
