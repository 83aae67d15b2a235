// Package kv implements the per-instance KV cache tier manager for the BLIS
// cluster simulator.
//
// Each instance owns one Manager holding a GPU tier and optional CPU and
// Storage tiers. A tier is a fixed pool of block slots. Free slots form an LRU
// list; a free slot may still carry cached prefix content, which is reused on
// a prefix hit and evicted (or demoted to a lower tier) when the slot is
// reallocated. Moves between tiers and between instances are timed Transfers
// whose completion the cluster event loop delivers back to the Manager.
package kv

import "fmt"

// Tier identifies a storage tier within an instance.
type Tier int

const (
	TierGPU Tier = iota
	TierCPU
	TierStorage
	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	case TierStorage:
		return "storage"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// TransferState tracks a block's participation in a prefill→decode handoff.
type TransferState int

const (
	StateLocal TransferState = iota
	StateTransferring
	StateTransferred
)

func (s TransferState) String() string {
	switch s {
	case StateLocal:
		return "local"
	case StateTransferring:
		return "transferring"
	case StateTransferred:
		return "transferred"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Block is one KV slot. PrefixHash is zero when the slot carries no shareable
// content.
type Block struct {
	ID         int64
	Owner      string // request that last pinned the slot
	RefCount   int
	PrefixHash uint64
	Tier       Tier
	LastAccess int64
	Size       int64 // tokens held
	Instance   string
	State      TransferState

	offloadedAt int64 // arrival time of demoted content; -1 when not demoted
	pinned      bool  // held outside the free list (RefCount > 0 or swapped working set)
	prev, next  *Block
}

// Free reports whether the slot sits in its tier's free list.
func (b *Block) Free() bool {
	return !b.pinned
}
