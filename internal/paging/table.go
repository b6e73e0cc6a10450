package paging

import "fmt"

// Table maps sequence slots to ordered page lists and pages to owning
// sequences. It is a single-writer structure: calls that mutate it must not
// overlap. BatchInfo snapshots returned by AllocateForSeqs are immutable and
// safe to share.
type Table struct {
	pageIndices []int32 // [maxSeqs * pagesPerSeq], Invalid where unallocated
	pageOwners  []int32 // [numPages], Invalid when free
	seqLens     []int32 // [maxSeqs], Invalid when the slot is unused
	freePages   int
	pageSize    int
	pagesPerSeq int
	generation  uint64
}

// NewTable creates a table with every page free and every sequence slot
// unused.
func NewTable(numPages, maxSeqs, pageSize, pagesPerSeq int) *Table {
	if numPages <= 0 || maxSeqs <= 0 || pageSize <= 0 || pagesPerSeq <= 0 {
		panic("paging: table dimensions must be positive")
	}
	t := &Table{
		pageIndices: make([]int32, maxSeqs*pagesPerSeq),
		pageOwners:  make([]int32, numPages),
		seqLens:     make([]int32, maxSeqs),
		freePages:   numPages,
		pageSize:    pageSize,
		pagesPerSeq: pagesPerSeq,
	}
	for i := range t.pageIndices {
		t.pageIndices[i] = Invalid
	}
	for i := range t.pageOwners {
		t.pageOwners[i] = Invalid
	}
	for i := range t.seqLens {
		t.seqLens[i] = Invalid
	}
	return t
}

func (t *Table) NumPages() int    { return len(t.pageOwners) }
func (t *Table) MaxSeqs() int     { return len(t.seqLens) }
func (t *Table) PageSize() int    { return t.pageSize }
func (t *Table) PagesPerSeq() int { return t.pagesPerSeq }

// MaxSeqLen is the longest sequence the table can back.
func (t *Table) MaxSeqLen() int { return t.pageSize * t.pagesPerSeq }

// FreePageCount reports how many pages are currently unowned.
func (t *Table) FreePageCount() int { return t.freePages }

// Generation increases on every mutating call. BatchInfo snapshots carry the
// generation they were derived from so that stale reuse can be detected.
func (t *Table) Generation() uint64 { return t.generation }

// SeqLen returns the committed token count for a slot, or Invalid if the slot
// is unused or out of range.
func (t *Table) SeqLen(seqID int) int {
	if seqID < 0 || seqID >= len(t.seqLens) {
		return Invalid
	}
	return int(t.seqLens[seqID])
}

// ActiveSeqs counts the slots currently holding a sequence.
func (t *Table) ActiveSeqs() int {
	n := 0
	for _, l := range t.seqLens {
		if l != Invalid {
			n++
		}
	}
	return n
}

// AssignSeq claims the lowest unused sequence slot, transitioning it to
// active with length zero. It returns Invalid, leaving the table unchanged,
// when every slot is taken.
func (t *Table) AssignSeq() int {
	for i, l := range t.seqLens {
		if l == Invalid {
			t.seqLens[i] = 0
			t.generation++
			return i
		}
	}
	return Invalid
}

// AllocateForSeqs grows the listed sequences by their new token counts,
// claiming free pages as needed, and returns a BatchInfo describing exactly
// this batch: gathered page lists, updated lengths, cumulative query offsets
// and the physical destination of every new token.
//
// seqIDs and newCounts are parallel; entries with an Invalid id are padding
// and ignored. tokenOwners tags each token of the flattened batch with its
// sequence slot (Invalid for padding tokens, which get Invalid destinations).
//
// The call is atomic: it validates capacity and per-sequence length limits
// before touching any state, so ErrOutOfPages and ErrSeqTooLong leave the
// table exactly as it was. Free pages are claimed lowest-index-first, making
// repeated runs from the same state byte-for-byte reproducible.
func (t *Table) AllocateForSeqs(seqIDs, newCounts, tokenOwners []int32) (*BatchInfo, error) {
	if len(seqIDs) != len(newCounts) {
		return nil, fmt.Errorf("paging: %d seq ids but %d counts", len(seqIDs), len(newCounts))
	}

	// Pre-call lengths feed the per-token destination walk below.
	oldLens := make([]int32, len(t.seqLens))
	copy(oldLens, t.seqLens)

	// Accumulate new lengths per touched slot. Duplicate ids are legal and
	// simply add up, matching a scatter-add.
	newLens := make([]int32, len(t.seqLens))
	copy(newLens, t.seqLens)
	for i, id := range seqIDs {
		if id == Invalid {
			continue
		}
		if id < 0 || int(id) >= len(t.seqLens) {
			return nil, fmt.Errorf("paging: sequence id %d out of range [0, %d)", id, len(t.seqLens))
		}
		if newCounts[i] < 0 {
			return nil, fmt.Errorf("paging: negative token count %d for sequence %d", newCounts[i], id)
		}
		cur := newLens[id]
		if cur == Invalid {
			cur = 0
		}
		cur += newCounts[i]
		if cur == 0 && t.seqLens[id] == Invalid {
			// An unused slot receiving zero tokens stays unused.
			continue
		}
		newLens[id] = cur
	}

	// Validate before mutating: length limits first, then total demand
	// against the free pool.
	needed := 0
	for id := range t.seqLens {
		nl := newLens[id]
		if nl == Invalid || nl == t.seqLens[id] {
			continue
		}
		if int(nl) > t.MaxSeqLen() {
			return nil, fmt.Errorf("paging: sequence %d would reach %d tokens (max %d): %w",
				id, nl, t.MaxSeqLen(), ErrSeqTooLong)
		}
		needed += t.pagesNeeded(nl) - t.pagesNeeded(oldLens[id])
	}
	if needed > t.freePages {
		return nil, fmt.Errorf("paging: need %d pages but only %d free: %w",
			needed, t.freePages, ErrOutOfPages)
	}

	// Commit: claim pages lowest-index-first for each growing sequence.
	nextFree := 0
	for id := range t.seqLens {
		nl := newLens[id]
		if nl == Invalid {
			continue
		}
		oldPages := t.pagesNeeded(oldLens[id])
		newPages := t.pagesNeeded(nl)
		for p := oldPages; p < newPages; p++ {
			page := t.claimFreePage(&nextFree, int32(id))
			t.pageIndices[id*t.pagesPerSeq+p] = page
		}
		t.seqLens[id] = nl
	}
	t.generation++

	return t.sliceBatchInfo(seqIDs, newCounts, tokenOwners, oldLens), nil
}

// claimFreePage marks the lowest free page at or after *next as owned and
// returns its index. Capacity was validated up front, so running out here is
// a bookkeeping bug.
func (t *Table) claimFreePage(next *int, owner int32) int32 {
	for i := *next; i < len(t.pageOwners); i++ {
		if t.pageOwners[i] == Invalid {
			t.pageOwners[i] = owner
			t.freePages--
			*next = i + 1
			return int32(i)
		}
	}
	panic("paging: free page accounting out of sync")
}

func (t *Table) pagesNeeded(seqLen int32) int {
	if seqLen <= 0 {
		return 0
	}
	return (int(seqLen) + t.pageSize - 1) / t.pageSize
}

// FreePages releases every page owned by seqID back to the free pool and
// resets the slot to unused. Out-of-range or already-unused ids are a no-op,
// so cleanup paths can call it unconditionally.
func (t *Table) FreePages(seqID int) {
	if seqID < 0 || seqID >= len(t.seqLens) || t.seqLens[seqID] == Invalid {
		return
	}
	row := t.pageIndices[seqID*t.pagesPerSeq : (seqID+1)*t.pagesPerSeq]
	for i, page := range row {
		if page != Invalid {
			t.pageOwners[page] = Invalid
			t.freePages++
			row[i] = Invalid
		}
	}
	t.seqLens[seqID] = Invalid
	t.generation++
}

// sliceBatchInfo derives the immutable per-step snapshot for the sequences
// touched by this call, in the caller-supplied order. oldLens holds the
// pre-call lengths, which seed the per-token write cursors.
func (t *Table) sliceBatchInfo(seqIDs, newCounts, tokenOwners, oldLens []int32) *BatchInfo {
	b := &BatchInfo{
		SeqIDs:        make([]int32, len(seqIDs)),
		PageIndices:   make([]int32, len(seqIDs)*t.pagesPerSeq),
		SeqLens:       make([]int32, len(seqIDs)),
		CuQLens:       make([]int32, len(seqIDs)+1),
		NewTokenDests: make([]int32, len(tokenOwners)),
		PosIDs:        make([]int32, len(tokenOwners)),
		PageSize:      t.pageSize,
		pagesPerSeq:   t.pagesPerSeq,
		generation:    t.generation,
	}
	copy(b.SeqIDs, seqIDs)

	for i, id := range seqIDs {
		row := b.PageIndices[i*t.pagesPerSeq : (i+1)*t.pagesPerSeq]
		if id == Invalid {
			for j := range row {
				row[j] = Invalid
			}
			b.SeqLens[i] = Invalid
			b.CuQLens[i+1] = b.CuQLens[i]
			continue
		}
		copy(row, t.pageIndices[int(id)*t.pagesPerSeq:(int(id)+1)*t.pagesPerSeq])
		b.SeqLens[i] = t.seqLens[id]
		b.CuQLens[i+1] = b.CuQLens[i] + newCounts[i]
		b.NumSeqs++
	}

	// Walk each token forward from its sequence's pre-call length to find the
	// exact (page, slot) it lands in. Padding tokens and tokens whose pages
	// were never allocated map to Invalid and must never be written.
	cursors := make([]int32, len(t.seqLens))
	for id, l := range oldLens {
		if l != Invalid {
			cursors[id] = l
		}
	}
	for i, owner := range tokenOwners {
		if owner < 0 || int(owner) >= len(t.seqLens) {
			b.NewTokenDests[i] = Invalid
			b.PosIDs[i] = Invalid
			continue
		}
		cur := cursors[owner]
		pageIdx := int(cur) / t.pageSize
		if pageIdx >= t.pagesPerSeq {
			b.NewTokenDests[i] = Invalid
			b.PosIDs[i] = Invalid
			continue
		}
		page := t.pageIndices[int(owner)*t.pagesPerSeq+pageIdx]
		if page == Invalid {
			b.NewTokenDests[i] = Invalid
		} else {
			b.NewTokenDests[i] = page*int32(t.pageSize) + cur%int32(t.pageSize)
		}
		b.PosIDs[i] = cur
		cursors[owner] = cur + 1
	}

	return b
}
