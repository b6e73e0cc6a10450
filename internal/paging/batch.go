package paging

// BatchInfo is an immutable snapshot describing one allocation step: for the
// sequences touched by a single AllocateForSeqs call, in caller order, their
// gathered page lists, updated lengths, cumulative query-length offsets and
// the physical destination of every newly arriving token. Entries for padding
// sequences are Invalid.
//
// BatchInfo is produced only by Table.AllocateForSeqs and must not be
// modified; it may be read concurrently.
type BatchInfo struct {
	// SeqIDs holds the touched sequence slots, Invalid-padded.
	SeqIDs []int32
	// PageIndices is row-major [len(SeqIDs)][pagesPerSeq].
	PageIndices []int32
	// SeqLens holds the lengths after the new tokens are appended.
	SeqLens []int32
	// CuQLens is the prefix sum of new-token counts with a leading zero, so
	// sequence i's tokens span [CuQLens[i], CuQLens[i+1]) in the flattened
	// batch.
	CuQLens []int32
	// NumSeqs counts the non-padding sequences.
	NumSeqs int
	// NewTokenDests maps each token of the flattened batch to its absolute
	// cache slot, page*PageSize + offset, or Invalid for padding and failed
	// tokens.
	NewTokenDests []int32
	// PosIDs holds each token's logical position within its sequence,
	// Invalid for padding tokens.
	PosIDs []int32
	// PageSize is the slot capacity of one page.
	PageSize int

	pagesPerSeq int
	generation  uint64
}

// PagesPerSeq is the page-list capacity per sequence row in PageIndices.
func (b *BatchInfo) PagesPerSeq() int { return b.pagesPerSeq }

// Generation identifies the table state this snapshot was derived from.
func (b *BatchInfo) Generation() uint64 { return b.generation }

// SeqPageRow returns the page list of the i-th batch entry.
func (b *BatchInfo) SeqPageRow(i int) []int32 {
	return b.PageIndices[i*b.pagesPerSeq : (i+1)*b.pagesPerSeq]
}

// PagesAndSlots splits every token destination into its page index and slot
// within the page. Invalid destinations stay Invalid in both outputs.
func (b *BatchInfo) PagesAndSlots() (pages, slots []int32) {
	pages = make([]int32, len(b.NewTokenDests))
	slots = make([]int32, len(b.NewTokenDests))
	for i, d := range b.NewTokenDests {
		if d == Invalid {
			pages[i] = Invalid
			slots[i] = Invalid
			continue
		}
		pages[i] = d / int32(b.PageSize)
		slots[i] = d % int32(b.PageSize)
	}
	return pages, slots
}

// LastTokenIndex returns, per batch entry, the flattened-batch index of that
// sequence's final new token, or Invalid for entries with no new tokens.
// Useful for extracting logits only at each sequence's last position.
func (b *BatchInfo) LastTokenIndex() []int32 {
	out := make([]int32, len(b.SeqIDs))
	for i := range b.SeqIDs {
		if b.CuQLens[i+1] == b.CuQLens[i] {
			out[i] = Invalid
			continue
		}
		out[i] = b.CuQLens[i+1] - 1
	}
	return out
}

// NumTokens is the size of the flattened token batch, padding included.
func (b *BatchInfo) NumTokens() int { return len(b.NewTokenDests) }
