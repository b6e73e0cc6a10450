package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stratakv/strata/internal/kvcache"
	"github.com/stratakv/strata/internal/paging"
)

const (
	tHeads   = 4
	tKVHeads = 2
	tHeadDim = 8
)

// stepFixture drives a table and cache through allocation steps and keeps
// the data needed to compute reference outputs.
type stepFixture struct {
	t     testing.TB
	tbl   *paging.Table
	cache *kvcache.PageCache
	rng   *rand.Rand
}

func newFixture(t testing.TB, numPages, maxSeqs, pageSize, pagesPerSeq int, seed int64) *stepFixture {
	t.Helper()
	tbl := paging.NewTable(numPages, maxSeqs, pageSize, pagesPerSeq)
	return &stepFixture{
		t:     t,
		tbl:   tbl,
		cache: kvcache.NewPageCache(tbl, tKVHeads, tHeadDim),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (f *stepFixture) randVec(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = (f.rng.Float32() - 0.5) * 2
	}
	return v
}

// step appends counts[i] tokens to seqs[i], writes random keys/values, and
// returns the state plus random queries for the new tokens.
func (f *stepFixture) step(seqs []int, counts []int) (kvcache.PageState, []float32) {
	f.t.Helper()
	ids := make([]int32, len(seqs))
	cnts := make([]int32, len(seqs))
	var tags []int32
	total := 0
	for i, s := range seqs {
		ids[i] = int32(s)
		cnts[i] = int32(counts[i])
		for j := 0; j < counts[i]; j++ {
			tags = append(tags, int32(s))
		}
		total += counts[i]
	}
	b, err := f.tbl.AllocateForSeqs(ids, cnts, tags)
	if err != nil {
		f.t.Fatalf("AllocateForSeqs: %v", err)
	}
	st := kvcache.NewPageState(f.cache, b)
	if err := st.UpdateKV(f.randVec(total*f.cache.TokenStride()), f.randVec(total*f.cache.TokenStride())); err != nil {
		f.t.Fatalf("UpdateKV: %v", err)
	}
	return st, f.randVec(total * tHeads * tHeadDim)
}

// naiveRef computes attention per query token with a dense gather and a
// plain softmax, the quadratic way.
func naiveRef(q []float32, st kvcache.PageState, p Params) []float32 {
	batch := st.Batch
	cache := st.Cache
	headDim := cache.HeadDim()
	qStride := tHeads * headDim
	scale := p.Scale
	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(headDim)))
	}

	out := make([]float32, len(q))
	for s := range batch.SeqIDs {
		if batch.SeqIDs[s] == paging.Invalid {
			continue
		}
		qStart := int(batch.CuQLens[s])
		qLen := int(batch.CuQLens[s+1]) - qStart
		kvLen := int(batch.SeqLens[s])
		row := batch.SeqPageRow(s)

		for qi := 0; qi < qLen; qi++ {
			qPos := kvLen - qLen + qi
			tok := qStart + qi
			for h := 0; h < tHeads; h++ {
				kvHead := h * tKVHeads / tHeads
				hOff := kvHead * headDim
				qh := q[tok*qStride+h*headDim : tok*qStride+(h+1)*headDim]

				scores := make([]float64, qPos+1)
				for t := 0; t <= qPos; t++ {
					page := int(row[t/cache.PageSize()])
					key := cache.KeyAt(page, t%cache.PageSize())
					var dot float64
					for d := 0; d < headDim; d++ {
						dot += float64(qh[d]) * float64(key[hOff+d])
					}
					scores[t] = dot * float64(scale)
					if p.SoftCap > 0 {
						c := float64(p.SoftCap)
						scores[t] = c * math.Tanh(scores[t]/c)
					}
				}

				maxS := math.Inf(-1)
				for _, v := range scores {
					maxS = max(maxS, v)
				}
				var sum float64
				for t := range scores {
					scores[t] = math.Exp(scores[t] - maxS)
					sum += scores[t]
				}
				oh := out[tok*qStride+h*headDim : tok*qStride+(h+1)*headDim]
				for d := 0; d < headDim; d++ {
					var acc float64
					for t := 0; t <= qPos; t++ {
						val := cache.ValueAt(int(row[t/cache.PageSize()]), t%cache.PageSize())
						acc += scores[t] * float64(val[hOff+d])
					}
					oh[d] = float32(acc / sum)
				}
			}
		}
	}
	return out
}

func compareSlices(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		if diff := math.Abs(float64(got[i] - want[i])); diff > tol {
			t.Fatalf("mismatch at %d: got %v want %v (diff %v)", i, got[i], want[i], diff)
		}
	}
}

func TestRaggedPagedMatchesNaive(t *testing.T) {
	f := newFixture(t, 32, 4, 4, 8, 11)
	s0 := f.tbl.AssignSeq()
	s1 := f.tbl.AssignSeq()
	s2 := f.tbl.AssignSeq()

	// History step so decode queries see longer committed lengths.
	f.step([]int{s0, s1, s2}, []int{7, 3, 12})

	// Mixed decode/prefill step: odd counts straddle page boundaries, and
	// small block sizes force several query and kv blocks per sequence.
	st, q := f.step([]int{s0, s1, s2}, []int{2, 5, 1})

	p := Params{QueryBlock: 2, PageBlock: 1}
	out := make([]float32, len(q))
	if err := RaggedPaged(out, q, st, tHeads, p); err != nil {
		t.Fatalf("RaggedPaged: %v", err)
	}
	compareSlices(t, out, naiveRef(q, st, p), 1e-5)
}

func TestRaggedPagedSoftCap(t *testing.T) {
	f := newFixture(t, 16, 2, 4, 8, 3)
	s0 := f.tbl.AssignSeq()
	f.step([]int{s0}, []int{9})
	st, q := f.step([]int{s0}, []int{3})

	p := Params{SoftCap: 5, QueryBlock: 2, PageBlock: 2}
	out := make([]float32, len(q))
	if err := RaggedPaged(out, q, st, tHeads, p); err != nil {
		t.Fatalf("RaggedPaged: %v", err)
	}
	compareSlices(t, out, naiveRef(q, st, p), 1e-5)
}

// TestCausalMasking perturbs keys after a query's position and checks the
// output is bit-for-bit unchanged, then perturbs a visible key as a control.
func TestCausalMasking(t *testing.T) {
	f := newFixture(t, 16, 1, 4, 8, 19)
	s0 := f.tbl.AssignSeq()

	// Eight new tokens on an empty sequence: query i sits at position i.
	st, q := f.step([]int{s0}, []int{8})
	out := make([]float32, len(q))
	if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
		t.Fatalf("RaggedPaged: %v", err)
	}

	const p = 3 // observe the query at position 3
	qStride := tHeads * tHeadDim
	before := append([]float32(nil), out[p*qStride:(p+1)*qStride]...)

	// Scribble over every key/value at positions > p.
	pages, slots := st.Batch.PagesAndSlots()
	for i := p + 1; i < 8; i++ {
		key := st.Cache.KeyAt(int(pages[i]), int(slots[i]))
		val := st.Cache.ValueAt(int(pages[i]), int(slots[i]))
		for j := range key {
			key[j] += 100
			val[j] -= 100
		}
	}
	if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
		t.Fatalf("RaggedPaged after perturbation: %v", err)
	}
	for j := range before {
		if out[p*qStride+j] != before[j] {
			t.Fatalf("future key perturbation changed output at position %d elem %d", p, j)
		}
	}

	// Control: a visible key must change the output.
	key := st.Cache.KeyAt(int(pages[0]), int(slots[0]))
	for j := range key {
		key[j] += 1
	}
	if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
		t.Fatalf("RaggedPaged control: %v", err)
	}
	changed := false
	for j := range before {
		if out[p*qStride+j] != before[j] {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("perturbing a visible key left the output unchanged")
	}
}

func TestCrossSequenceIsolation(t *testing.T) {
	f := newFixture(t, 32, 2, 4, 8, 5)
	s0 := f.tbl.AssignSeq()
	s1 := f.tbl.AssignSeq()
	st, q := f.step([]int{s0, s1}, []int{6, 6})

	out := make([]float32, len(q))
	if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
		t.Fatalf("RaggedPaged: %v", err)
	}

	// Rewriting all of s1's cache entries must not affect s0's outputs.
	qStride := tHeads * tHeadDim
	before := append([]float32(nil), out[:6*qStride]...)
	row := st.Batch.SeqPageRow(1)
	for t1 := 0; t1 < 6; t1++ {
		key := st.Cache.KeyAt(int(row[t1/4]), t1%4)
		for j := range key {
			key[j] = 42
		}
	}
	if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
		t.Fatalf("RaggedPaged after rewrite: %v", err)
	}
	for j := range before {
		if out[j] != before[j] {
			t.Fatal("sequence 1's cache entries leaked into sequence 0's output")
		}
	}
}

func TestPaddingTokensZeroed(t *testing.T) {
	f := newFixture(t, 16, 2, 4, 8, 23)
	s0 := f.tbl.AssignSeq()

	tags := []int32{int32(s0), int32(s0), paging.Invalid, paging.Invalid}
	b, err := f.tbl.AllocateForSeqs([]int32{int32(s0)}, []int32{2}, tags)
	if err != nil {
		t.Fatalf("AllocateForSeqs: %v", err)
	}
	st := kvcache.NewPageState(f.cache, b)
	stride := f.cache.TokenStride()
	if err := st.UpdateKV(f.randVec(4*stride), f.randVec(4*stride)); err != nil {
		t.Fatalf("UpdateKV: %v", err)
	}

	q := f.randVec(4 * tHeads * tHeadDim)
	out := make([]float32, len(q))
	if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
		t.Fatalf("RaggedPaged: %v", err)
	}
	qStride := tHeads * tHeadDim
	for i := 2 * qStride; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("padding token output not zeroed at %d: %v", i, out[i])
		}
	}
}

func TestForName(t *testing.T) {
	if _, err := ForName(""); err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if _, err := ForName(Reference); err != nil {
		t.Fatalf("reference backend: %v", err)
	}
	if _, err := ForName("tpu-fused"); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	Register("test-kernel", RaggedPaged)
	if _, err := ForName("test-kernel"); err != nil {
		t.Fatalf("registered backend: %v", err)
	}
}

func BenchmarkRaggedPagedDecode(b *testing.B) {
	f := newFixture(b, 256, 8, 16, 16, 1)
	seqs := make([]int, 8)
	counts := make([]int, 8)
	for i := range seqs {
		seqs[i] = f.tbl.AssignSeq()
		counts[i] = 120
	}
	f.step(seqs, counts)
	for i := range counts {
		counts[i] = 1
	}
	st, q := f.step(seqs, counts)
	out := make([]float32, len(q))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := RaggedPaged(out, q, st, tHeads, Params{}); err != nil {
			b.Fatal(err)
		}
	}
}
