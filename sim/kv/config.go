package kv

import (
	"github.com/pkg/errors"

	"github.com/inference-sim/blis/sim/internal/util"
)

// DefaultThrashWindow is the offload→reload interval (ticks) below which a
// reload counts as thrashing.
const DefaultThrashWindow = 1000

// Config sizes the tiers of one instance.
type Config struct {
	BlockSizeTokens int64 `yaml:"block_size_tokens"`
	GPUBlocks       int64 `yaml:"gpu_blocks"`
	CPUBlocks       int64 `yaml:"cpu_blocks"`
	StorageBlocks   int64 `yaml:"storage_blocks"`

	GPUCPULink     Link `yaml:"gpu_cpu_link"`
	CPUStorageLink Link `yaml:"cpu_storage_link"`

	// DemoteOnEvict moves evicted GPU prefix content to a lower tier with
	// headroom instead of discarding it.
	DemoteOnEvict bool  `yaml:"demote_on_evict"`
	ThrashWindow  int64 `yaml:"thrash_window"`
}

// Capacity returns the configured slot count of a tier.
func (c Config) Capacity(t Tier) int64 {
	switch t {
	case TierGPU:
		return c.GPUBlocks
	case TierCPU:
		return c.CPUBlocks
	case TierStorage:
		return c.StorageBlocks
	}
	return 0
}

// Validate rejects sizes and links that cannot be simulated.
func (c Config) Validate() error {
	if c.BlockSizeTokens <= 0 {
		return errors.Errorf("block_size_tokens must be > 0, got %d", c.BlockSizeTokens)
	}
	if c.GPUBlocks <= 0 {
		return errors.Errorf("gpu_blocks must be > 0, got %d", c.GPUBlocks)
	}
	if c.CPUBlocks < 0 || c.StorageBlocks < 0 {
		return errors.Errorf("cpu_blocks and storage_blocks must be >= 0, got %d and %d", c.CPUBlocks, c.StorageBlocks)
	}
	if c.StorageBlocks > 0 && c.CPUBlocks == 0 {
		return errors.New("storage tier requires a cpu tier")
	}
	if c.ThrashWindow < 0 {
		return errors.Errorf("thrash_window must be >= 0, got %d", c.ThrashWindow)
	}
	if c.CPUBlocks > 0 {
		if err := c.GPUCPULink.validate(); err != nil {
			return errors.Wrap(err, "gpu_cpu_link")
		}
	}
	if c.StorageBlocks > 0 {
		if err := c.CPUStorageLink.validate(); err != nil {
			return errors.Wrap(err, "cpu_storage_link")
		}
	}
	return nil
}

func (l Link) validate() error {
	if !util.IsFinite(l.BandwidthBlocksPerTick) || l.BandwidthBlocksPerTick <= 0 {
		return errors.Errorf("bandwidth_blocks_per_tick must be finite and > 0, got %v", l.BandwidthBlocksPerTick)
	}
	if l.BaseLatency < 0 {
		return errors.Errorf("base_latency must be >= 0, got %d", l.BaseLatency)
	}
	return nil
}

// ValidateLink exposes link validation to other packages (P/D channels).
func ValidateLink(l Link) error {
	return l.validate()
}
