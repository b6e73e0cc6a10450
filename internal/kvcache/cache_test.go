package kvcache

import (
	"errors"
	"testing"

	"github.com/stratakv/strata/internal/paging"
)

const (
	testKVHeads = 2
	testHeadDim = 4
)

func fillVec(dst []float32, base float32) {
	for i := range dst {
		dst[i] = base + float32(i)*0.01
	}
}

func allocBatch(t *testing.T, tbl *paging.Table, seq, n int) *paging.BatchInfo {
	t.Helper()
	tags := make([]int32, n)
	for i := range tags {
		tags[i] = int32(seq)
	}
	b, err := tbl.AllocateForSeqs([]int32{int32(seq)}, []int32{int32(n)}, tags)
	if err != nil {
		t.Fatalf("AllocateForSeqs: %v", err)
	}
	return b
}

func TestScatterRoundTrip(t *testing.T) {
	tbl := paging.NewTable(4, 2, 4, 2)
	cache := NewPageCache(tbl, testKVHeads, testHeadDim)
	stride := cache.TokenStride()

	seq := tbl.AssignSeq()
	b := allocBatch(t, tbl, seq, 5)

	keys := make([]float32, 5*stride)
	vals := make([]float32, 5*stride)
	fillVec(keys, 1)
	fillVec(vals, 100)

	st := NewPageState(cache, b)
	if err := st.UpdateKV(keys, vals); err != nil {
		t.Fatalf("UpdateKV: %v", err)
	}

	pages, slots := b.PagesAndSlots()
	for i := 0; i < 5; i++ {
		gotK := cache.KeyAt(int(pages[i]), int(slots[i]))
		gotV := cache.ValueAt(int(pages[i]), int(slots[i]))
		for j := 0; j < stride; j++ {
			if gotK[j] != keys[i*stride+j] {
				t.Fatalf("key mismatch token %d elem %d: got %v want %v", i, j, gotK[j], keys[i*stride+j])
			}
			if gotV[j] != vals[i*stride+j] {
				t.Fatalf("value mismatch token %d elem %d: got %v want %v", i, j, gotV[j], vals[i*stride+j])
			}
		}
	}
}

func TestScatterNoAliasingAcrossSequences(t *testing.T) {
	tbl := paging.NewTable(8, 2, 4, 2)
	cache := NewPageCache(tbl, testKVHeads, testHeadDim)
	stride := cache.TokenStride()

	s0 := tbl.AssignSeq()
	s1 := tbl.AssignSeq()

	b0 := allocBatch(t, tbl, s0, 4)
	k0 := make([]float32, 4*stride)
	v0 := make([]float32, 4*stride)
	fillVec(k0, 1)
	fillVec(v0, 2)
	if err := NewPageState(cache, b0).UpdateKV(k0, v0); err != nil {
		t.Fatalf("UpdateKV s0: %v", err)
	}

	b1 := allocBatch(t, tbl, s1, 4)
	k1 := make([]float32, 4*stride)
	v1 := make([]float32, 4*stride)
	fillVec(k1, -1)
	fillVec(v1, -2)
	if err := NewPageState(cache, b1).UpdateKV(k1, v1); err != nil {
		t.Fatalf("UpdateKV s1: %v", err)
	}

	// s0's tokens must be untouched by s1's write.
	pages, slots := b0.PagesAndSlots()
	for i := 0; i < 4; i++ {
		got := cache.KeyAt(int(pages[i]), int(slots[i]))
		for j := 0; j < stride; j++ {
			if got[j] != k0[i*stride+j] {
				t.Fatalf("seq 0 token %d overwritten: got %v want %v", i, got[j], k0[i*stride+j])
			}
		}
	}
}

func TestScatterSkipsInvalidDests(t *testing.T) {
	tbl := paging.NewTable(4, 2, 4, 2)
	cache := NewPageCache(tbl, testKVHeads, testHeadDim)
	stride := cache.TokenStride()

	seq := tbl.AssignSeq()
	tags := []int32{int32(seq), int32(seq), paging.Invalid}
	b, err := tbl.AllocateForSeqs([]int32{int32(seq)}, []int32{2}, tags)
	if err != nil {
		t.Fatalf("AllocateForSeqs: %v", err)
	}

	keys := make([]float32, 3*stride)
	vals := make([]float32, 3*stride)
	for i := range keys {
		keys[i] = 9
		vals[i] = 9
	}
	if err := NewPageState(cache, b).UpdateKV(keys, vals); err != nil {
		t.Fatalf("UpdateKV: %v", err)
	}

	// The padding token must not have leaked into any slot beyond the two
	// committed ones.
	for page := 0; page < cache.NumPages(); page++ {
		for slot := 0; slot < cache.PageSize(); slot++ {
			if page == 0 && slot < 2 {
				continue
			}
			for _, v := range cache.KeyAt(page, slot) {
				if v != 0 {
					t.Fatalf("page %d slot %d written by padding token", page, slot)
				}
			}
		}
	}
}

func TestScatterRejectsStaleBatch(t *testing.T) {
	tbl := paging.NewTable(8, 1, 4, 2)
	cache := NewPageCache(tbl, testKVHeads, testHeadDim)
	stride := cache.TokenStride()

	seq := tbl.AssignSeq()
	old := allocBatch(t, tbl, seq, 2)
	fresh := allocBatch(t, tbl, seq, 2)

	keys := make([]float32, 2*stride)
	vals := make([]float32, 2*stride)

	if err := NewPageState(cache, fresh).UpdateKV(keys, vals); err != nil {
		t.Fatalf("UpdateKV fresh: %v", err)
	}
	err := NewPageState(cache, old).UpdateKV(keys, vals)
	if !errors.Is(err, ErrStaleBatch) {
		t.Fatalf("err = %v, want ErrStaleBatch", err)
	}
}

func TestScatterLengthMismatch(t *testing.T) {
	tbl := paging.NewTable(4, 1, 4, 2)
	cache := NewPageCache(tbl, testKVHeads, testHeadDim)

	seq := tbl.AssignSeq()
	b := allocBatch(t, tbl, seq, 2)

	err := NewPageState(cache, b).UpdateKV(make([]float32, 3), make([]float32, 3))
	if err == nil {
		t.Fatal("expected error for short key/value buffers")
	}
}
