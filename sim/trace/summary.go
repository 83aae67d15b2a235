package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	Level              TraceLevel          `json:"level"`
	TotalDecisions     int                 `json:"total_decisions"`
	AdmittedCount      int                 `json:"admitted_count"`
	RejectedCount      int                 `json:"rejected_count"`
	DelayedCount       int                 `json:"delayed_count"`
	RoutingDecisions   int                 `json:"routing_decisions"`
	MeanRegret         float64             `json:"mean_regret"`
	MaxRegret          float64             `json:"max_regret"`
	UniqueTargets      int                 `json:"unique_targets"`
	TargetDistribution map[string]int      `json:"target_distribution"` // instance ID → requests routed
	Preemptions        int                 `json:"preemptions"`
	ScaleEvents        int                 `json:"scale_events"`
	Transfers          int                 `json:"transfers"`
	AnomalyCounts      map[AnomalyType]int `json:"anomaly_counts"`
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
// TotalDecisions counts every admission evaluation, delays included.
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		TargetDistribution: make(map[string]int),
		AnomalyCounts:      make(map[AnomalyType]int),
	}
	if st == nil {
		return summary
	}
	c := st.counts
	summary.Level = st.Config.Level
	summary.AdmittedCount = c.Admitted
	summary.RejectedCount = c.Rejected
	summary.DelayedCount = c.Delayed
	summary.TotalDecisions = c.Admitted + c.Rejected + c.Delayed
	summary.RoutingDecisions = c.Routed
	if c.Routed > 0 {
		summary.MeanRegret = c.RegretSum / float64(c.Routed)
	}
	summary.MaxRegret = c.RegretMax
	for id, n := range c.Targets {
		summary.TargetDistribution[id] = n
	}
	summary.UniqueTargets = len(summary.TargetDistribution)
	summary.Preemptions = c.Preemptions
	summary.ScaleEvents = c.Scales
	summary.Transfers = c.Transfers
	for _, a := range st.Anomalies {
		summary.AnomalyCounts[a.Type]++
	}
	return summary
}
