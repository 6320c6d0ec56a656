package ibd

import "github.com/brentp/goibd/gt"

// DefaultChunkSize is the edge length of the square sample×variant
// blocks used in the pairwise comparison. It bounds the working set of
// one block-pair task to chunk² sample-pair slots regardless of how
// many samples the dataset has.
const DefaultChunkSize = 1024

// block and pair keys are packed into a single int because the
// execution environment shuffles by integer or string keys only.

func blockKey(sampleBlock, variantBlock int) int {
	return sampleBlock<<32 | variantBlock
}

func pairKey(i, j int) int {
	return i<<32 | j
}

func splitKey(key int) (hi, lo int) {
	return key >> 32, key & (1<<32 - 1)
}

// rowSubBlocks splits one variant row into contiguous runs of chunk
// samples, emitting one byte segment per (sample-block, variant-block)
// key together with the variant's offset within its block.
func rowSubBlocks(chunk, vIdx int, gts []gt.Genotype) (keys []int, voffs []int, segs [][]byte) {
	vb := vIdx / chunk
	voff := vIdx % chunk
	n := (len(gts) + chunk - 1) / chunk
	keys = make([]int, 0, n)
	voffs = make([]int, 0, n)
	segs = make([][]byte, 0, n)
	for sb := 0; sb*chunk < len(gts); sb++ {
		lo, hi := sb*chunk, (sb+1)*chunk
		if hi > len(gts) {
			hi = len(gts)
		}
		seg := make([]byte, hi-lo)
		for k, g := range gts[lo:hi] {
			seg[k] = g.Code()
		}
		keys = append(keys, blockKey(sb, vb))
		voffs = append(voffs, voff)
		segs = append(segs, seg)
	}
	return keys, voffs, segs
}

// mergeRow folds one row segment into a block buffer laid out as
// buf[localSample*chunk + variantOffset]. The buffer starts out all
// missing and a cell is only written while still missing (first valid
// value wins), which keeps the merge commutative under any ordering of
// partial buffers. Cells never written stay missing, covering both
// uncalled genotypes and the padding beyond the last sample or
// variant.
func mergeRow(buf []byte, chunk, voff int, seg []byte) []byte {
	if buf == nil {
		buf = make([]byte, chunk*chunk)
		for i := range buf {
			buf[i] = gt.MissingCode
		}
	}
	for ls, c := range seg {
		if p := ls*chunk + voff; buf[p] == gt.MissingCode {
			buf[p] = c
		}
	}
	return buf
}
