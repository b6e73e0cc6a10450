// Package kvcache is the physical backing store for paged key/value vectors:
// a dense pool of pages written through destinations computed by the page
// table and read by the attention kernels.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/stratakv/strata/internal/paging"
)

// ErrStaleBatch is returned when a batch snapshot older than the cache's last
// applied write is used for an update. It usually means a BatchInfo from a
// previous step was accidentally reused.
var ErrStaleBatch = errors.New("stale batch info for cache generation")

// PageCache is a dense [pages][pageSize][2*kvHeads][headDim] float32 buffer.
// Keys occupy the first kvHeads head rows of each slot, values the second.
// The buffer is allocated once and never resized; contents are mutated in
// place by scatter writes.
type PageCache struct {
	data     []float32
	numPages int
	pageSize int
	kvHeads  int
	headDim  int

	// generation of the last applied batch, for stale-reuse detection.
	generation uint64
	locked     bool
}

// NewPageCache allocates storage sized to the given table's page pool.
func NewPageCache(t *paging.Table, kvHeads, headDim int) *PageCache {
	if kvHeads <= 0 || headDim <= 0 {
		panic("kvcache: kvHeads and headDim must be positive")
	}
	return &PageCache{
		data:     make([]float32, t.NumPages()*t.PageSize()*2*kvHeads*headDim),
		numPages: t.NumPages(),
		pageSize: t.PageSize(),
		kvHeads:  kvHeads,
		headDim:  headDim,
	}
}

func (c *PageCache) NumPages() int { return c.numPages }
func (c *PageCache) PageSize() int { return c.pageSize }
func (c *PageCache) KVHeads() int  { return c.kvHeads }
func (c *PageCache) HeadDim() int  { return c.headDim }

// TokenStride is the float count of one token's keys (or values): all kv
// heads laid out contiguously.
func (c *PageCache) TokenStride() int { return c.kvHeads * c.headDim }

// Generation reports the snapshot generation of the last applied write.
func (c *PageCache) Generation() uint64 { return c.generation }

func (c *PageCache) slotOffset(page, slot int) int {
	return (page*c.pageSize + slot) * 2 * c.TokenStride()
}

// KeyAt returns the key vectors of one cache slot, all heads contiguous.
// The slice aliases the cache; callers must not hold it across writes.
func (c *PageCache) KeyAt(page, slot int) []float32 {
	off := c.slotOffset(page, slot)
	return c.data[off : off+c.TokenStride()]
}

// ValueAt returns the value vectors of one cache slot, all heads contiguous.
func (c *PageCache) ValueAt(page, slot int) []float32 {
	off := c.slotOffset(page, slot) + c.TokenStride()
	return c.data[off : off+c.TokenStride()]
}

// scatter writes per-token key/value vectors at the batch's destinations.
// Invalid or out-of-range destinations are discarded, never written.
func (c *PageCache) scatter(b *paging.BatchInfo, newKeys, newValues []float32) error {
	stride := c.TokenStride()
	if len(newKeys) != b.NumTokens()*stride || len(newValues) != b.NumTokens()*stride {
		return fmt.Errorf("kvcache: got %d key and %d value floats for %d tokens of stride %d",
			len(newKeys), len(newValues), b.NumTokens(), stride)
	}
	if b.PageSize != c.pageSize {
		return fmt.Errorf("kvcache: batch page size %d does not match cache page size %d",
			b.PageSize, c.pageSize)
	}
	if b.Generation() <= c.generation {
		return fmt.Errorf("kvcache: batch generation %d, cache already at %d: %w",
			b.Generation(), c.generation, ErrStaleBatch)
	}

	for i, dest := range b.NewTokenDests {
		if dest == paging.Invalid {
			continue
		}
		page := int(dest) / c.pageSize
		slot := int(dest) % c.pageSize
		if page < 0 || page >= c.numPages {
			continue
		}
		copy(c.KeyAt(page, slot), newKeys[i*stride:(i+1)*stride])
		copy(c.ValueAt(page, slot), newValues[i*stride:(i+1)*stride])
	}
	c.generation = b.Generation()
	return nil
}
