// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memory

import (
	"math/bits"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/stats"
)

// minBucket is the smallest allocation requested from a pool's
// upstream resource.
const minBucket = 256

// bucket returns the size class for an allocation of n bytes: the
// smallest power of two that is at least n and at least minBucket.
// n must not exceed MaxAllocation.
func bucket(n int) int {
	if n <= minBucket {
		return minBucket
	}
	return 1 << bits.Len(uint(n-1))
}

// A Pool is a caching resource. Blocks are allocated from the
// upstream resource in power-of-two size classes; deallocated blocks
// are kept on a per-class free list and reused by later allocations
// of the same or a smaller size. An allocation is served from its own
// size class or the next larger one before falling back to upstream.
// Cached blocks are returned upstream only by Release.
//
// A Pool is not safe for concurrent use; wrap it with NewSynchronized
// to share it.
type Pool struct {
	upstream Resource
	free     map[int][]*Block
	out      map[*Block]struct{}

	stats                             *stats.Map
	hits, misses, trims, cached, live *stats.Int
}

// NewPool returns a new pool allocating from upstream. The pool's
// counters are reported under name.
func NewPool(name string, upstream Resource) *Pool {
	p := &Pool{
		upstream: upstream,
		free:     make(map[int][]*Block),
		out:      make(map[*Block]struct{}),
		stats:    stats.NewMap(name),
	}
	p.hits = p.stats.Int("hits")
	p.misses = p.stats.Int("misses")
	p.trims = p.stats.Int("trims")
	p.cached = p.stats.Int("bytes.cached")
	p.live = p.stats.Int("bytes.live")
	return p
}

// Medium implements Resource.
func (p *Pool) Medium() Medium { return p.upstream.Medium() }

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() stats.Values { return p.stats.Snapshot() }

// Allocate implements Resource.
func (p *Pool) Allocate(size int) (*Block, error) {
	if size < 0 {
		contract.Panicf(1, "%s pool: negative allocation %d", p.Medium(), size)
	}
	if size == 0 {
		return &Block{Data: []byte{}, medium: p.Medium()}, nil
	}
	if size > MaxAllocation {
		return nil, exhausted(p.Medium(), size, p.cached.Get(), nil)
	}
	class := bucket(size)
	for _, c := range [...]int{class, class << 1} {
		list := p.free[c]
		if len(list) == 0 {
			continue
		}
		b := list[len(list)-1]
		p.free[c] = list[:len(list)-1]
		p.cached.Add(-int64(len(b.buf)))
		p.hits.Add(1)
		return p.checkout(b, size), nil
	}
	b, err := p.upstream.Allocate(class)
	if err != nil && IsExhausted(err) && p.cached.Get() > 0 {
		// Cached blocks of other size classes may be what stands between
		// this request and success. Return them and try once more.
		p.trims.Add(1)
		p.Release()
		b, err = p.upstream.Allocate(class)
	}
	if err != nil {
		return nil, err
	}
	p.misses.Add(1)
	return p.checkout(b, size), nil
}

func (p *Pool) checkout(b *Block, size int) *Block {
	b.Data = b.buf[:size]
	p.out[b] = struct{}{}
	p.live.Add(int64(len(b.buf)))
	return b
}

// Deallocate implements Resource. The block is retained for reuse.
func (p *Pool) Deallocate(b *Block) {
	if b.buf == nil && len(b.Data) == 0 {
		return
	}
	if _, ok := p.out[b]; !ok {
		contract.Panicf(1, "%s pool: deallocation of a block not allocated by this pool", p.Medium())
	}
	delete(p.out, b)
	p.live.Add(-int64(len(b.buf)))
	class := len(b.buf)
	p.free[class] = append(p.free[class], b)
	p.cached.Add(int64(class))
}

// Release returns all cached blocks to the upstream resource. Blocks
// that are still allocated are unaffected.
func (p *Pool) Release() {
	var n int64
	for class, list := range p.free {
		for _, b := range list {
			b.Data = b.buf
			p.upstream.Deallocate(b)
			n += int64(class)
		}
		delete(p.free, class)
	}
	p.cached.Add(-n)
	if len(p.out) > 0 {
		log.Debug.Printf("%s pool: released %s; %d blocks outstanding", p.Medium(), data.Size(n), len(p.out))
	}
}

// Outstanding returns the number of blocks allocated from the pool
// and not yet deallocated.
func (p *Pool) Outstanding() int { return len(p.out) }
