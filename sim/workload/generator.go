package workload

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/inference-sim/blis/sim"
)

// vocabSize bounds synthetic token IDs.
const vocabSize = 32000

// GenerateTokenIDs returns n random token IDs.
func GenerateTokenIDs(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.Intn(vocabSize)
	}
	return out
}

// GenerateRequests creates the arrivals of spec in [0, horizon), sorted by
// arrival time with sequential IDs. rng is the workload stream of the run's
// PartitionedRNG; the result is a pure function of spec and that stream.
func GenerateRequests(spec *WorkloadSpec, rng *rand.Rand, horizon int64) ([]*sim.Request, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid workload spec")
	}
	if horizon <= 0 {
		return nil, nil
	}

	prefixes := prefixTokens(spec.Clients, rng)
	rates := clientRates(spec)

	var all []*sim.Request
	for i := range spec.Clients {
		client := &spec.Clients[i]
		// one seed per client, drawn even for idle clients, so editing one
		// client never reshuffles another's stream
		clientRNG := rand.New(rand.NewSource(rng.Int63()))
		if rates[i] <= 0 {
			continue
		}
		arrivals := NewArrivalSampler(client.Arrival, rates[i])
		inputs, err := NewLengthSampler(client.InputDist)
		if err != nil {
			return nil, errors.Wrapf(err, "client %q input distribution", client.ID)
		}
		outputs, err := NewLengthSampler(client.OutputDist)
		if err != nil {
			return nil, errors.Wrapf(err, "client %q output distribution", client.ID)
		}
		prefix := prefixes[client.PrefixGroup]

		for now := arrivals.SampleIAT(clientRNG); now < horizon; now += arrivals.SampleIAT(clientRNG) {
			input := GenerateTokenIDs(clientRNG, inputs.Sample(clientRNG))
			if len(prefix) > 0 {
				input = append(append([]int{}, prefix...), input...)
			}
			all = append(all, &sim.Request{
				ArrivalTime:  now,
				InputTokens:  input,
				OutputTokens: GenerateTokenIDs(clientRNG, outputs.Sample(clientRNG)),
				State:        sim.StateQueued,
				TenantID:     client.TenantID,
				SLOClass:     client.SLOClass,
				Model:        client.Model,
			})
		}
	}

	// stable: simultaneous arrivals keep client order
	sort.SliceStable(all, func(i, j int) bool { return all[i].ArrivalTime < all[j].ArrivalTime })
	if spec.NumRequests > 0 && len(all) > spec.NumRequests {
		all = all[:spec.NumRequests]
	}
	for i, req := range all {
		req.ID = fmt.Sprintf("request_%d", i)
	}
	return all, nil
}

// clientRates splits AggregateRate (req/s) by rate fraction, in requests/tick.
func clientRates(spec *WorkloadSpec) []float64 {
	var total float64
	for _, c := range spec.Clients {
		total += c.RateFraction
	}
	out := make([]float64, len(spec.Clients))
	if total <= 0 {
		return out
	}
	for i, c := range spec.Clients {
		out[i] = spec.AggregateRate * c.RateFraction / total / 1e6
	}
	return out
}

// prefixTokens draws one shared token prefix per prefix group, in group-name
// order. The first client naming a group decides its length.
func prefixTokens(clients []ClientSpec, rng *rand.Rand) map[string][]int {
	lengths := make(map[string]int)
	for _, c := range clients {
		if c.PrefixGroup == "" {
			continue
		}
		if _, ok := lengths[c.PrefixGroup]; ok {
			continue
		}
		n := c.PrefixLength
		if n == 0 {
			n = DefaultPrefixLength
		}
		lengths[c.PrefixGroup] = n
	}
	groups := maps.Keys(lengths)
	slices.Sort(groups)
	out := make(map[string][]int, len(groups))
	for _, g := range groups {
		out[g] = GenerateTokenIDs(rng, lengths[g])
	}
	return out
}
