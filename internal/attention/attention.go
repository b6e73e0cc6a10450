// Package attention computes attention outputs for a ragged batch of
// decoding sequences directly over the paged KV layout, without densifying
// the cache. The reference kernel here favors clarity over speed; fused or
// hardware-specific kernels plug in through the same Kernel signature.
package attention

import (
	"fmt"
	"math"

	"github.com/stratakv/strata/internal/kvcache"
	"github.com/stratakv/strata/internal/paging"
)

// Params configures a kernel invocation.
type Params struct {
	// Scale multiplies raw attention scores. Zero means 1/sqrt(headDim).
	Scale float32
	// SoftCap, when positive, squashes scores to cap*tanh(s/cap) before
	// masking.
	SoftCap float32
	// QueryBlock is the number of query tokens processed per block.
	// Zero means 4.
	QueryBlock int
	// PageBlock is the number of KV pages consumed per inner block.
	// Zero means 8.
	PageBlock int
}

const (
	defaultQueryBlock = 4
	defaultPageBlock  = 8
)

// RaggedPaged is the reference ragged paged attention kernel.
//
// q and out are [numTokens][numHeads][headDim] flattened over the batch's
// token order; numTokens must match the batch in st. Each query attends only
// to committed positions of its own sequence at or before its own logical
// position. Outputs for padding tokens are zero.
//
// Scores and outputs accumulate in float64 and are cast to float32 at the
// end, so softmax stays stable regardless of how hot the logits run. The
// blocked loop keeps a running max and normalizer per query (online softmax)
// instead of materializing score matrices.
func RaggedPaged(out, q []float32, st kvcache.PageState, numHeads int, p Params) error {
	cache, batch := st.Cache, st.Batch
	headDim := cache.HeadDim()
	kvHeads := cache.KVHeads()
	if numHeads <= 0 || numHeads%kvHeads != 0 {
		return fmt.Errorf("attention: %d query heads not divisible by %d kv heads", numHeads, kvHeads)
	}
	qStride := numHeads * headDim
	if len(q) != batch.NumTokens()*qStride {
		return fmt.Errorf("attention: got %d query floats for %d tokens of stride %d",
			len(q), batch.NumTokens(), qStride)
	}
	if len(out) != len(q) {
		return fmt.Errorf("attention: output length %d does not match query length %d", len(out), len(q))
	}

	scale := p.Scale
	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(headDim)))
	}
	qBlock := p.QueryBlock
	if qBlock <= 0 {
		qBlock = defaultQueryBlock
	}
	pageBlock := p.PageBlock
	if pageBlock <= 0 {
		pageBlock = defaultPageBlock
	}

	// Padding tokens and tokens beyond each sequence's query range stay zero.
	for i := range out {
		out[i] = 0
	}

	pageSize := cache.PageSize()
	kvPerBlock := pageBlock * pageSize

	// Per-block online softmax state, one row per (query, head).
	runMax := make([]float64, qBlock*numHeads)
	runSum := make([]float64, qBlock*numHeads)
	acc := make([]float64, qBlock*numHeads*headDim)
	scores := make([]float64, kvPerBlock)

	for s := range batch.SeqIDs {
		if batch.SeqIDs[s] == paging.Invalid {
			continue
		}
		qStart := int(batch.CuQLens[s])
		qLen := int(batch.CuQLens[s+1]) - qStart
		if qLen == 0 {
			continue
		}
		kvLen := int(batch.SeqLens[s])
		pageRow := batch.SeqPageRow(s)

		for qb := 0; qb < qLen; qb += qBlock {
			blockLen := min(qBlock, qLen-qb)
			resetState(runMax, runSum, acc)

			numKVBlocks := (kvLen + kvPerBlock - 1) / kvPerBlock
			for kb := 0; kb < numKVBlocks; kb++ {
				kvStart := kb * kvPerBlock
				kvEnd := min(kvStart+kvPerBlock, kvLen)

				for qi := 0; qi < blockLen; qi++ {
					// Logical position of this query within its sequence:
					// the last qLen positions of the committed length.
					qPos := kvLen - qLen + qb + qi
					if qPos < kvStart {
						continue // whole kv block is in this query's future
					}
					tok := qStart + qb + qi
					for h := 0; h < numHeads; h++ {
						kvHead := h * kvHeads / numHeads
						hOff := kvHead * headDim
						qh := q[tok*qStride+h*headDim : tok*qStride+(h+1)*headDim]

						// Score pass over the block, causally truncated.
						blockEnd := min(kvEnd, qPos+1)
						blockMax := math.Inf(-1)
						for t := kvStart; t < blockEnd; t++ {
							page := pageRow[t/pageSize]
							if page == paging.Invalid {
								scores[t-kvStart] = math.Inf(-1)
								continue
							}
							key := cache.KeyAt(int(page), t%pageSize)
							var dot float64
							for d := 0; d < headDim; d++ {
								dot += float64(qh[d]) * float64(key[hOff+d])
							}
							score := dot * float64(scale)
							if p.SoftCap > 0 {
								cap64 := float64(p.SoftCap)
								score = cap64 * math.Tanh(score/cap64)
							}
							scores[t-kvStart] = score
							if score > blockMax {
								blockMax = score
							}
						}
						if math.IsInf(blockMax, -1) {
							continue
						}

						// Online softmax update for this (query, head).
						row := qi*numHeads + h
						newMax := max(runMax[row], blockMax)
						corr := math.Exp(runMax[row] - newMax)
						runSum[row] *= corr
						accRow := acc[row*headDim : (row+1)*headDim]
						for d := range accRow {
							accRow[d] *= corr
						}
						for t := kvStart; t < blockEnd; t++ {
							w := math.Exp(scores[t-kvStart] - newMax)
							if w == 0 {
								continue
							}
							runSum[row] += w
							val := cache.ValueAt(int(pageRow[t/pageSize]), t%pageSize)
							for d := 0; d < headDim; d++ {
								accRow[d] += w * float64(val[hOff+d])
							}
						}
						runMax[row] = newMax
					}
				}
			}

			// Normalize and emit the block.
			for qi := 0; qi < blockLen; qi++ {
				tok := qStart + qb + qi
				for h := 0; h < numHeads; h++ {
					row := qi*numHeads + h
					denom := runSum[row]
					if denom < 1e-10 {
						denom = 1e-10
					}
					accRow := acc[row*headDim : (row+1)*headDim]
					oh := out[tok*qStride+h*headDim : tok*qStride+(h+1)*headDim]
					for d := range oh {
						oh[d] = float32(accRow[d] / denom)
					}
				}
			}
		}
	}
	return nil
}

func resetState(runMax, runSum, acc []float64) {
	for i := range runMax {
		runMax[i] = math.Inf(-1)
		runSum[i] = 0
	}
	for i := range acc {
		acc[i] = 0
	}
}
