package workload

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/blis/sim"
)

// ReplayRecord is one recorded request. Token contents are synthesised; only
// counts and prefix sharing are replayed.
type ReplayRecord struct {
	ID           string `yaml:"id" json:"id"`
	ArrivalTime  int64  `yaml:"arrival_time_us" json:"arrival_time_us"`
	InputTokens  int    `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens int    `yaml:"output_tokens" json:"output_tokens"`
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	SLOClass     string `yaml:"slo_class,omitempty" json:"slo_class,omitempty"`
	Model        string `yaml:"model,omitempty" json:"model,omitempty"`
	PrefixGroup  string `yaml:"prefix_group,omitempty" json:"prefix_group,omitempty"`
	PrefixLength int    `yaml:"prefix_length,omitempty" json:"prefix_length,omitempty"`
}

// ReplayTrace is a recorded workload.
type ReplayTrace struct {
	Records []ReplayRecord `yaml:"records" json:"records"`
}

// LoadReplay reads a trace file. Files ending in .json are decoded as JSON,
// everything else as YAML with unknown keys rejected.
func LoadReplay(path string) (*ReplayTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading replay trace")
	}
	var trace ReplayTrace
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := sonic.ConfigStd.Unmarshal(data, &trace); err != nil {
			return nil, errors.Wrap(err, "parsing replay trace")
		}
		return &trace, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&trace); err != nil {
		return nil, errors.Wrap(err, "parsing replay trace")
	}
	return &trace, nil
}

// ReplayRequests converts a trace into requests sorted by arrival time.
// Records of one prefix group share an identical leading token sequence.
// Records without an ID are named request_<index>.
func ReplayRequests(trace *ReplayTrace, rng *rand.Rand) ([]*sim.Request, error) {
	if trace == nil || len(trace.Records) == 0 {
		return nil, errors.New("empty replay trace")
	}
	prefixes := make(map[string][]int)
	seen := make(map[string]bool, len(trace.Records))
	out := make([]*sim.Request, 0, len(trace.Records))
	for i, rec := range trace.Records {
		if rec.ArrivalTime < 0 || rec.InputTokens < 0 || rec.OutputTokens < 0 || rec.PrefixLength < 0 {
			return nil, errors.Errorf("record %d: negative arrival time or token count", i)
		}
		id := rec.ID
		if id == "" {
			id = fmt.Sprintf("request_%d", i)
		}
		if seen[id] {
			return nil, errors.Errorf("record %d: duplicate request id %q", i, id)
		}
		seen[id] = true

		var input []int
		if rec.PrefixGroup != "" {
			prefix, ok := prefixes[rec.PrefixGroup]
			if !ok {
				n := rec.PrefixLength
				if n == 0 {
					n = DefaultPrefixLength
				}
				prefix = GenerateTokenIDs(rng, n)
				prefixes[rec.PrefixGroup] = prefix
			}
			input = append(input, prefix...)
		}
		input = append(input, GenerateTokenIDs(rng, rec.InputTokens)...)

		out = append(out, &sim.Request{
			ID:           id,
			ArrivalTime:  rec.ArrivalTime,
			InputTokens:  input,
			OutputTokens: GenerateTokenIDs(rng, rec.OutputTokens),
			State:        sim.StateQueued,
			TenantID:     rec.TenantID,
			SLOClass:     rec.SLOClass,
			Model:        rec.Model,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArrivalTime < out[j].ArrivalTime })
	return out, nil
}
