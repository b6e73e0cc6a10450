package kvcache

import "github.com/stratakv/strata/internal/paging"

// PageState couples a PageCache with the BatchInfo of the current step,
// giving attention a coherent view: global cache contents plus the local
// per-batch page lists, lengths and query offsets.
type PageState struct {
	Cache *PageCache
	Batch *paging.BatchInfo
}

// NewPageState builds the per-step view for one cache.
func NewPageState(cache *PageCache, batch *paging.BatchInfo) PageState {
	return PageState{Cache: cache, Batch: batch}
}

// UpdateKV scatters the step's new key/value vectors into the cache at the
// destinations the page table computed. Layout per token is kvHeads*headDim
// floats, tokens in flattened-batch order. The batch info itself is
// unchanged; only the underlying storage mutates.
func (s PageState) UpdateKV(newKeys, newValues []float32) error {
	return s.Cache.scatter(s.Batch, newKeys, newValues)
}

// KVLens is the per-sequence committed length, including this step's tokens.
func (s PageState) KVLens() []int32 { return s.Batch.SeqLens }

// CuQLens is the cumulative new-token offsets for the flattened query batch.
func (s PageState) CuQLens() []int32 { return s.Batch.CuQLens }

// NumSeqs is the count of non-padding sequences in the batch.
func (s PageState) NumSeqs() int { return s.Batch.NumSeqs }
