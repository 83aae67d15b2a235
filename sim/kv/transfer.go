package kv

import (
	"fmt"
	"math"
)

// TransferType classifies a KV movement.
type TransferType int

const (
	TransferOffload TransferType = iota
	TransferReload
	TransferHandoff
)

func (t TransferType) String() string {
	switch t {
	case TransferOffload:
		return "offload"
	case TransferReload:
		return "reload"
	case TransferHandoff:
		return "pd-handoff"
	}
	return fmt.Sprintf("transfer(%d)", int(t))
}

// Link models a tier-to-tier or instance-to-instance channel.
type Link struct {
	BandwidthBlocksPerTick float64 `yaml:"bandwidth_blocks_per_tick"`
	BaseLatency            int64   `yaml:"base_latency"`
}

// Duration returns the ticks needed to move n blocks over the link:
// BaseLatency + ceil(n / bandwidth).
func (l Link) Duration(n int64) int64 {
	if n <= 0 {
		return l.BaseLatency
	}
	return l.BaseLatency + int64(math.Ceil(float64(n)/l.BandwidthBlocksPerTick))
}

// Transfer is a timed movement of KV content. It exists from its start until
// the cluster delivers its completion (or it is cancelled).
type Transfer struct {
	ID                  int64
	Type                TransferType
	RequestID           string // empty for cache-content moves
	BlockIDs            []int64
	Hashes              []uint64
	FromTier            Tier
	ToTier              Tier
	FromInstance        string
	ToInstance          string
	Start               int64
	EstimatedCompletion int64
	Cancelled           bool

	swap bool // carries a swapped request's working set
}

// Blocks returns the number of blocks moved.
func (t *Transfer) Blocks() int64 {
	return int64(len(t.Hashes))
}

// Duration returns EstimatedCompletion - Start.
func (t *Transfer) Duration() int64 {
	return t.EstimatedCompletion - t.Start
}
