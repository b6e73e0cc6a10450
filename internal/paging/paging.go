// Package paging tracks the assignment of fixed-size KV cache pages to
// in-flight decoding sequences, in the style of an OS page table. A page is
// owned by at most one sequence; there is no prefix sharing.
package paging

import "errors"

// Invalid marks a free page, an unused sequence slot, a padding token, or a
// destination that must not be written.
const Invalid = -1

var (
	// ErrOutOfPages is returned when an allocation needs more pages than the
	// free pool holds. The table is left unchanged.
	ErrOutOfPages = errors.New("out of free pages")

	// ErrSeqTooLong is returned when an allocation would push a sequence past
	// its maximum length. The table is left unchanged.
	ErrSeqTooLong = errors.New("sequence exceeds maximum length")
)
