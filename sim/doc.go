// Package sim holds the request model and the policy layer of BLIS, a
// deterministic discrete-event simulator of a multi-instance LLM inference
// cluster.
//
// # Reading Guide
//
//   - request.go, queue.go: the Request lifecycle and the per-instance wait queue
//   - rng.go: SimulationKey and PartitionedRNG, the only sources of randomness
//   - router_state.go, snapshot.go, shadow_kv.go: what policies are allowed to see
//   - admission.go, priority.go, routing.go, scheduler.go, autoscale.go: the policies
//
// # Architecture
//
// The event loop, instances and the auto-scaler live in sim/cluster/; the
// tiered KV cache lives in sim/kv/; decision traces in sim/trace/; workload
// loading and generation in sim/workload/. Policies live here, so that
// sub-packages can depend on them without import cycles.
//
// # Key Interfaces
//
//   - AdmissionPolicy: admit, reject or delay an arriving request
//   - PriorityPolicy: compute a priority score for scheduling
//   - RoutingPolicy: select target instance(s) given cluster snapshots
//   - InstanceScheduler: plan each instance step and pick preemption victims
//   - AutoScalePolicy: grow or shrink a replica pool
//   - LatencyModel: step time and per-request overheads
package sim
