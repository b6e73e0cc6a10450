// Package toy provides a deliberately tiny stand-in for a transformer layer:
// deterministic random projections from token ids to query/key/value vectors.
// It exists so the paged cache, the allocator and the attention kernels can
// be driven end to end, in tests, benchmarks and the decode command, without
// loading a real checkpoint.
package toy

import "github.com/stratakv/strata/internal/tensor"

// Decoder embeds token ids and projects them to per-head queries, keys and
// values. All weights are filled from a seed, so two decoders with the same
// shape and seed produce identical projections.
type Decoder struct {
	Vocab   int
	Heads   int
	KVHeads int
	HeadDim int

	hidden int
	emb    tensor.Mat // [Vocab x hidden]
	wq     tensor.Mat // [Heads*HeadDim x hidden]
	wk     tensor.Mat // [KVHeads*HeadDim x hidden]
	wv     tensor.Mat // [KVHeads*HeadDim x hidden]
	h      []float32  // scratch [hidden]
}

// NewDecoder constructs a decoder with the given shape, seeding the
// embedding and projection matrices deterministically.
func NewDecoder(vocab, heads, kvHeads, headDim int, seed int64) *Decoder {
	if vocab <= 0 || heads <= 0 || kvHeads <= 0 || headDim <= 0 {
		panic("toy: decoder dimensions must be positive")
	}
	hidden := heads * headDim
	d := &Decoder{
		Vocab:   vocab,
		Heads:   heads,
		KVHeads: kvHeads,
		HeadDim: headDim,
		hidden:  hidden,
		emb:     tensor.NewMat(vocab, hidden),
		wq:      tensor.NewMat(heads*headDim, hidden),
		wk:      tensor.NewMat(kvHeads*headDim, hidden),
		wv:      tensor.NewMat(kvHeads*headDim, hidden),
		h:       make([]float32, hidden),
	}
	tensor.FillRand(&d.emb, seed+11)
	tensor.FillRand(&d.wq, seed+23)
	tensor.FillRand(&d.wk, seed+37)
	tensor.FillRand(&d.wv, seed+41)
	return d
}

// Project maps a run of token ids to flattened query, key and value batches:
// q is [len(tokens)][Heads][HeadDim], k and v are [len(tokens)][KVHeads][HeadDim].
// Out-of-range ids wrap modulo the vocabulary.
func (d *Decoder) Project(tokens []int) (q, k, v []float32) {
	qStride := d.Heads * d.HeadDim
	kvStride := d.KVHeads * d.HeadDim
	q = make([]float32, len(tokens)*qStride)
	k = make([]float32, len(tokens)*kvStride)
	v = make([]float32, len(tokens)*kvStride)
	for i, tok := range tokens {
		tok %= d.Vocab
		if tok < 0 {
			tok += d.Vocab
		}
		copy(d.h, d.emb.Row(tok))
		tensor.MatVec(q[i*qStride:(i+1)*qStride], &d.wq, d.h)
		tensor.MatVec(k[i*kvStride:(i+1)*kvStride], &d.wk, d.h)
		tensor.MatVec(v[i*kvStride:(i+1)*kvStride], &d.wv, d.h)
	}
	return q, k, v
}

// Readout greedily picks the next token from an attention output vector of
// [Heads][HeadDim] floats by scoring it against the embedding table.
func (d *Decoder) Readout(out []float32) int {
	if len(out) != d.hidden {
		panic("toy: readout vector has wrong length")
	}
	best, bestScore := 0, float32(0)
	for tok := 0; tok < d.Vocab; tok++ {
		score := tensor.Dot(d.emb.Row(tok), out)
		if tok == 0 || score > bestScore {
			best, bestScore = tok, score
		}
	}
	return best
}
