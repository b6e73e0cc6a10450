// Package engine drives the per-step decode control flow over the paged KV
// subsystem: allocate pages for the step's new tokens, scatter their keys and
// values into the cache, run ragged attention, and hand back per-sequence
// outputs. It owns the mutex that makes the page table and cache
// single-writer structures.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stratakv/strata/internal/attention"
	"github.com/stratakv/strata/internal/kvcache"
	"github.com/stratakv/strata/internal/logger"
	"github.com/stratakv/strata/internal/paging"
)

var (
	// ErrNoFreeSlots is returned when every sequence slot is occupied.
	ErrNoFreeSlots = errors.New("no free sequence slots")
	// ErrUnknownSequence is returned for steps naming an unused slot.
	ErrUnknownSequence = errors.New("unknown sequence")
)

// Config sizes the paged cache and the attention geometry.
type Config struct {
	NumPages    int
	PageSize    int
	MaxSeqs     int
	PagesPerSeq int

	NumHeads int
	KVHeads  int
	HeadDim  int

	// SoftCap squashes attention logits when positive.
	SoftCap float64
	// Backend selects the attention kernel; empty means the reference one.
	Backend string
	// LockMemory pins the cache into RAM at startup.
	LockMemory bool
}

func (c Config) validate() error {
	if c.NumPages <= 0 || c.PageSize <= 0 || c.MaxSeqs <= 0 || c.PagesPerSeq <= 0 {
		return fmt.Errorf("engine: cache geometry must be positive: pages=%d pageSize=%d seqs=%d pagesPerSeq=%d",
			c.NumPages, c.PageSize, c.MaxSeqs, c.PagesPerSeq)
	}
	if c.NumHeads <= 0 || c.KVHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("engine: head geometry must be positive: heads=%d kvHeads=%d headDim=%d",
			c.NumHeads, c.KVHeads, c.HeadDim)
	}
	if c.NumHeads%c.KVHeads != 0 {
		return fmt.Errorf("engine: %d heads not divisible by %d kv heads", c.NumHeads, c.KVHeads)
	}
	return nil
}

// Engine is the synchronous decode-step driver. All methods are safe for
// concurrent use; each call runs to completion under one lock, so callers
// never observe partial updates.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	table  *paging.Table
	cache  *kvcache.PageCache
	kernel attention.Kernel
	params attention.Params
	log    logger.Logger
}

// New builds an engine, allocating the cache storage once.
func New(cfg Config, log logger.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	kernel, err := attention.ForName(cfg.Backend)
	if err != nil {
		return nil, err
	}
	table := paging.NewTable(cfg.NumPages, cfg.MaxSeqs, cfg.PageSize, cfg.PagesPerSeq)
	cache := kvcache.NewPageCache(table, cfg.KVHeads, cfg.HeadDim)
	if cfg.LockMemory {
		if err := cache.LockMemory(); err != nil {
			return nil, err
		}
	}
	log.Info("engine ready",
		"pages", cfg.NumPages, "page_size", cfg.PageSize,
		"max_seqs", cfg.MaxSeqs, "max_seq_len", table.MaxSeqLen(),
		"backend", cfg.Backend)
	return &Engine{
		cfg:    cfg,
		table:  table,
		cache:  cache,
		kernel: kernel,
		params: attention.Params{SoftCap: float32(cfg.SoftCap)},
		log:    log,
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Update carries one sequence's new tokens for a step. Queries are
// [n][NumHeads][HeadDim] flattened; Keys and Values are [n][KVHeads][HeadDim].
type Update struct {
	SeqID   int
	Queries []float32
	Keys    []float32
	Values  []float32
}

// StepResult is the outcome of one decode/prefill step.
type StepResult struct {
	// Batch is the allocation snapshot the step ran against.
	Batch *paging.BatchInfo
	// Output holds attention outputs for every token of the flattened
	// batch, [tokens][NumHeads][HeadDim].
	Output []float32
	// Last holds, per update, a copy of the final token's output vector.
	Last [][]float32
	// Duration is the wall time of the step.
	Duration time.Duration
}

// NewSequence claims a sequence slot for a new decoding stream.
func (e *Engine) NewSequence() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.table.AssignSeq()
	if seq == paging.Invalid {
		return paging.Invalid, fmt.Errorf("engine: %d slots active: %w", e.table.ActiveSeqs(), ErrNoFreeSlots)
	}
	e.log.Debug("sequence assigned", "seq", seq)
	return seq, nil
}

// Free releases a sequence's pages. Safe to call at any point between steps,
// including repeatedly.
func (e *Engine) Free(seqID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table.FreePages(seqID)
	e.log.Debug("sequence freed", "seq", seqID, "free_pages", e.table.FreePageCount())
}

// SeqLen reports a sequence's committed length, or paging.Invalid.
func (e *Engine) SeqLen(seqID int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.SeqLen(seqID)
}

// Step runs one decode/prefill step for the given updates: page allocation,
// KV scatter, ragged attention. On capacity exhaustion the whole step is
// rejected and no state changes.
func (e *Engine) Step(updates []Update) (*StepResult, error) {
	if len(updates) == 0 {
		return nil, errors.New("engine: empty step")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	qStride := e.cfg.NumHeads * e.cfg.HeadDim
	kvStride := e.cfg.KVHeads * e.cfg.HeadDim

	seqIDs := make([]int32, len(updates))
	counts := make([]int32, len(updates))
	total := 0
	for i, u := range updates {
		if e.table.SeqLen(u.SeqID) == paging.Invalid {
			return nil, fmt.Errorf("engine: sequence %d: %w", u.SeqID, ErrUnknownSequence)
		}
		n := len(u.Keys) / kvStride
		if n == 0 || len(u.Keys) != n*kvStride || len(u.Values) != len(u.Keys) || len(u.Queries) != n*qStride {
			return nil, fmt.Errorf("engine: sequence %d: malformed update (q=%d k=%d v=%d)",
				u.SeqID, len(u.Queries), len(u.Keys), len(u.Values))
		}
		seqIDs[i] = int32(u.SeqID)
		counts[i] = int32(n)
		total += n
	}

	tags := make([]int32, 0, total)
	queries := make([]float32, 0, total*qStride)
	keys := make([]float32, 0, total*kvStride)
	values := make([]float32, 0, total*kvStride)
	for i, u := range updates {
		for j := int32(0); j < counts[i]; j++ {
			tags = append(tags, seqIDs[i])
		}
		queries = append(queries, u.Queries...)
		keys = append(keys, u.Keys...)
		values = append(values, u.Values...)
	}

	batch, err := e.table.AllocateForSeqs(seqIDs, counts, tags)
	if err != nil {
		if errors.Is(err, paging.ErrOutOfPages) {
			e.log.Warn("step rejected: cache capacity exhausted",
				"tokens", total, "free_pages", e.table.FreePageCount())
		}
		return nil, err
	}

	state := kvcache.NewPageState(e.cache, batch)
	if err := state.UpdateKV(keys, values); err != nil {
		return nil, err
	}

	out := make([]float32, len(queries))
	if err := e.kernel(out, queries, state, e.cfg.NumHeads, e.params); err != nil {
		return nil, err
	}

	res := &StepResult{
		Batch:    batch,
		Output:   out,
		Last:     make([][]float32, len(updates)),
		Duration: time.Since(start),
	}
	for i, idx := range batch.LastTokenIndex() {
		if idx == paging.Invalid {
			continue
		}
		last := make([]float32, qStride)
		copy(last, out[int(idx)*qStride:(int(idx)+1)*qStride])
		res.Last[i] = last
	}

	e.log.Debug("step complete",
		"seqs", batch.NumSeqs, "tokens", total,
		"free_pages", e.table.FreePageCount(), "duration", res.Duration)
	return res, nil
}

// Stats is a point-in-time view of cache occupancy.
type Stats struct {
	NumPages   int    `json:"num_pages"`
	FreePages  int    `json:"free_pages"`
	PageSize   int    `json:"page_size"`
	MaxSeqs    int    `json:"max_seqs"`
	ActiveSeqs int    `json:"active_seqs"`
	MaxSeqLen  int    `json:"max_seq_len"`
	Generation uint64 `json:"generation"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		NumPages:   e.table.NumPages(),
		FreePages:  e.table.FreePageCount(),
		PageSize:   e.table.PageSize(),
		MaxSeqs:    e.table.MaxSeqs(),
		ActiveSeqs: e.table.ActiveSeqs(),
		MaxSeqLen:  e.table.MaxSeqLen(),
		Generation: e.table.Generation(),
	}
}
