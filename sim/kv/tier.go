package kv

import "fmt"

// tier is a fixed pool of block slots with an LRU free list.
// Head = least recently used, evicted first.
type tier struct {
	kind    Tier
	blocks  []*Block
	head    *Block
	tail    *Block
	free    int64
	pinned  int64
	inbound int64 // free slots reserved by in-flight transfers into this tier
	index   map[uint64]*Block
}

func newTier(kind Tier, capacity, firstID int64, instance string) *tier {
	t := &tier{
		kind:   kind,
		blocks: make([]*Block, capacity),
		index:  make(map[uint64]*Block),
	}
	for i := int64(0); i < capacity; i++ {
		b := &Block{ID: firstID + i, Tier: kind, Instance: instance, offloadedAt: -1}
		t.blocks[i] = b
		t.pushTail(b)
	}
	return t
}

func (t *tier) total() int64 { return int64(len(t.blocks)) }

func (t *tier) used() int64 { return t.pinned }

// headroom is the number of free slots not already promised to a transfer.
func (t *tier) headroom() int64 { return t.free - t.inbound }

func (t *tier) pushTail(b *Block) {
	b.pinned = false
	b.prev, b.next = t.tail, nil
	if t.tail != nil {
		t.tail.next = b
	} else {
		t.head = b
	}
	t.tail = b
	t.free++
}

func (t *tier) pushHead(b *Block) {
	b.pinned = false
	b.prev, b.next = nil, t.head
	if t.head != nil {
		t.head.prev = b
	} else {
		t.tail = b
	}
	t.head = b
	t.free++
}

// unlink removes a free block from the list without pinning it.
func (t *tier) unlink(b *Block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		t.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		t.tail = b.prev
	}
	b.prev, b.next = nil, nil
	t.free--
}

// pin takes a free block out of the free list and marks it held.
func (t *tier) pin(b *Block) {
	if b.pinned {
		panic(fmt.Sprintf("kv: pin of already pinned block %d in %s tier", b.ID, t.kind))
	}
	t.unlink(b)
	b.pinned = true
	t.pinned++
}

// unpin returns a held block to the free list, at the tail (keep content warm)
// or at the head (reuse first).
func (t *tier) unpin(b *Block, warm bool) {
	if !b.pinned {
		panic(fmt.Sprintf("kv: unpin of free block %d in %s tier", b.ID, t.kind))
	}
	t.pinned--
	b.RefCount = 0
	if warm {
		t.pushTail(b)
	} else {
		t.pushHead(b)
	}
}

// dropContent forgets the block's cached content.
func (t *tier) dropContent(b *Block) {
	if b.PrefixHash != 0 && t.index[b.PrefixHash] == b {
		delete(t.index, b.PrefixHash)
	}
	b.PrefixHash = 0
	b.Size = 0
	b.offloadedAt = -1
}

// setContent records shareable content on b, unless another slot in the tier
// already holds the same hash.
func (t *tier) setContent(b *Block, hash uint64) {
	if hash == 0 {
		return
	}
	if _, exists := t.index[hash]; exists {
		return
	}
	b.PrefixHash = hash
	t.index[hash] = b
}

// check panics if the slot accounting is inconsistent.
func (t *tier) check(instance string) {
	if t.free < 0 || t.pinned < 0 || t.inbound < 0 {
		panic(fmt.Sprintf("kv: negative counter on %s/%s: free=%d pinned=%d inbound=%d",
			instance, t.kind, t.free, t.pinned, t.inbound))
	}
	if t.pinned+t.free != t.total() {
		panic(fmt.Sprintf("kv: conservation violated on %s/%s: allocated=%d free=%d total=%d",
			instance, t.kind, t.pinned, t.free, t.total()))
	}
	if t.inbound > t.free {
		panic(fmt.Sprintf("kv: %s/%s reserved %d inbound slots with only %d free",
			instance, t.kind, t.inbound, t.free))
	}
}
