package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelMinimal keeps decision counters and anomalies only.
	TraceLevelMinimal TraceLevel = "minimal"
	// TraceLevelDecisions also captures admission, priority and routing records.
	TraceLevelDecisions TraceLevel = "decisions"
	// TraceLevelFull also captures batch, preemption, scale and transfer records.
	TraceLevelFull TraceLevel = "full"
)

var levelRank = map[TraceLevel]int{
	"":                  0, // empty defaults to minimal
	TraceLevelMinimal:   0,
	TraceLevelDecisions: 1,
	TraceLevelFull:      2,
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	_, ok := levelRank[TraceLevel(level)]
	return ok
}

// AtLeast reports whether l is as verbose as other.
func (l TraceLevel) AtLeast(other TraceLevel) bool {
	return levelRank[l] >= levelRank[other]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level           TraceLevel `yaml:"level" json:"level"`
	CounterfactualK int        `yaml:"counterfactual_k" json:"counterfactual_k"` // candidates per routing decision
}

// counters are maintained at every level so that Summarize works on minimal traces.
type counters struct {
	Admitted    int
	Rejected    int
	Delayed     int
	Routed      int
	RegretSum   float64
	RegretMax   float64
	Targets     map[string]int
	Preemptions int
	Scales      int
	Transfers   int
}

// SimulationTrace collects decision records during a cluster simulation.
// Records below the configured level are counted but not stored.
type SimulationTrace struct {
	Config TraceConfig `json:"config"`
	RunID  string      `json:"run_id,omitempty"`

	Admissions  []AdmissionRecord  `json:"admissions,omitempty"`
	Priorities  []PriorityRecord   `json:"priorities,omitempty"`
	Routings    []RoutingRecord    `json:"routings,omitempty"`
	Batches     []BatchRecord      `json:"batches,omitempty"`
	Preemptions []PreemptionRecord `json:"preemptions,omitempty"`
	Scales      []ScaleRecord      `json:"scales,omitempty"`
	Transfers   []TransferRecord   `json:"transfers,omitempty"`
	Anomalies   []AnomalyRecord    `json:"anomalies,omitempty"`

	counts counters
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	if config.Level == "" {
		config.Level = TraceLevelMinimal
	}
	return &SimulationTrace{
		Config: config,
		counts: counters{Targets: make(map[string]int)},
	}
}

// Decisions reports whether decision records are stored.
func (st *SimulationTrace) Decisions() bool { return st.Config.Level.AtLeast(TraceLevelDecisions) }

// Full reports whether step-level records are stored.
func (st *SimulationTrace) Full() bool { return st.Config.Level.AtLeast(TraceLevelFull) }

// RecordAdmission records an admission decision.
func (st *SimulationTrace) RecordAdmission(record AdmissionRecord) {
	switch record.Verdict {
	case "admit":
		st.counts.Admitted++
	case "delay":
		st.counts.Delayed++
	default:
		st.counts.Rejected++
	}
	if st.Decisions() {
		st.Admissions = append(st.Admissions, record)
	}
}

// RecordPriority records a priority assignment.
func (st *SimulationTrace) RecordPriority(record PriorityRecord) {
	if st.Decisions() {
		st.Priorities = append(st.Priorities, record)
	}
}

// RecordRouting records a routing decision.
func (st *SimulationTrace) RecordRouting(record RoutingRecord) {
	st.counts.Routed++
	st.counts.Targets[record.ChosenInstance]++
	st.counts.RegretSum += record.Regret
	st.counts.RegretMax = max(st.counts.RegretMax, record.Regret)
	if st.Decisions() {
		st.Routings = append(st.Routings, record)
	}
}

// RecordBatch records an instance step.
func (st *SimulationTrace) RecordBatch(record BatchRecord) {
	if st.Full() {
		st.Batches = append(st.Batches, record)
	}
}

// RecordPreemption records a preemption.
func (st *SimulationTrace) RecordPreemption(record PreemptionRecord) {
	st.counts.Preemptions++
	if st.Full() {
		st.Preemptions = append(st.Preemptions, record)
	}
}

// RecordScale records a scaling event.
func (st *SimulationTrace) RecordScale(record ScaleRecord) {
	st.counts.Scales++
	if st.Full() {
		st.Scales = append(st.Scales, record)
	}
}

// RecordTransfer records a KV transfer.
func (st *SimulationTrace) RecordTransfer(record TransferRecord) {
	st.counts.Transfers++
	if st.Full() {
		st.Transfers = append(st.Transfers, record)
	}
}

// RecordAnomaly records an anomaly. Anomalies are stored at every level.
func (st *SimulationTrace) RecordAnomaly(record AnomalyRecord) {
	st.Anomalies = append(st.Anomalies, record)
}

// AnomalyCount returns how many anomalies of type t were recorded.
func (st *SimulationTrace) AnomalyCount(t AnomalyType) int {
	n := 0
	for _, a := range st.Anomalies {
		if a.Type == t {
			n++
		}
	}
	return n
}
