package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/google/uuid"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible simulation run.
// Two simulations with the same SimulationKey and identical configuration
// MUST produce byte-identical metrics, decisions and traces.
type SimulationKey struct {
	PolicyID     string `yaml:"policy_id" json:"policy_id"`
	WorkloadSeed int64  `yaml:"workload_seed" json:"workload_seed"`
	SimSeed      int64  `yaml:"sim_seed" json:"sim_seed"`
	JitterSeed   int64  `yaml:"jitter_seed" json:"jitter_seed"`
}

// NewSimulationKey builds a key from a policy ID and the three seeds.
func NewSimulationKey(policyID string, workloadSeed, simSeed, jitterSeed int64) SimulationKey {
	return SimulationKey{
		PolicyID:     policyID,
		WorkloadSeed: workloadSeed,
		SimSeed:      simSeed,
		JitterSeed:   jitterSeed,
	}
}

func (k SimulationKey) String() string {
	return fmt.Sprintf("%s/w%d/s%d/j%d", k.PolicyID, k.WorkloadSeed, k.SimSeed, k.JitterSeed)
}

// RunID returns a name-based UUID derived from the key, so repeated runs of
// the same key carry the same ID.
func (k SimulationKey) RunID() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("blis:"+k.String())).String()
}

// === Subsystem Constants ===

const (
	// SubsystemWorkload is the RNG subsystem for workload generation.
	// Seeded from SimulationKey.WorkloadSeed directly.
	SubsystemWorkload = "workload"

	// SubsystemJitter is the RNG subsystem for timing noise.
	// Seeded from SimulationKey.JitterSeed directly.
	SubsystemJitter = "jitter"

	// SubsystemRouter is the RNG subsystem for routing decisions.
	SubsystemRouter = "router"

	// SubsystemAutoScaler is the RNG subsystem for provisioning delays.
	SubsystemAutoScaler = "autoscaler"
)

// SubsystemInstance returns the subsystem name for an instance ID.
func SubsystemInstance(id string) string {
	return "instance_" + id
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula:
//   - SubsystemWorkload: WorkloadSeed
//   - SubsystemJitter: JitterSeed
//   - all other subsystems: SimSeed XOR fnv1a64(subsystemName)
//
// Creating or drawing from one subsystem never shifts another's sequence.
// Not thread-safe; one PartitionedRNG belongs to one simulation run.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same name always returns the same *rand.Rand instance. Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}

	var derivedSeed int64
	switch name {
	case SubsystemWorkload:
		derivedSeed = p.key.WorkloadSeed
	case SubsystemJitter:
		derivedSeed = p.key.JitterSeed
	default:
		derivedSeed = p.key.SimSeed ^ fnv1a64(name)
	}

	rng := rand.New(rand.NewSource(derivedSeed))
	p.subsystems[name] = rng
	return rng
}

// ForInstance returns the RNG for an instance.
func (p *PartitionedRNG) ForInstance(id string) *rand.Rand {
	return p.ForSubsystem(SubsystemInstance(id))
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
