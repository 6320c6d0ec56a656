package ibd

import "github.com/brentp/goibd/gt"

// ibsLookup maps a packed genotype-code pair (codeA<<2 | codeB) to the
// number of alleles shared in state: 2 for identical genotypes, 0 for
// opposite homozygotes, 1 otherwise. Pairs involving a missing code
// map to the skip sentinel and contribute nothing. Built once before
// any counting begins and never mutated.
var ibsLookup [16]byte

const ibsSkip = 0xff

func init() {
	for a := 0; a < 4; a++ {
		for b := 0; b < 4; b++ {
			e := byte(ibsSkip)
			if a != gt.MissingCode && b != gt.MissingCode {
				d := a - b
				if d < 0 {
					d = -d
				}
				e = byte(2 - d)
			}
			ibsLookup[a<<2|b] = e
		}
	}
}

// Counts are the raw totals, for one sample pair, of variants at which
// the pair shared 0, 1 and 2 alleles in state.
type Counts struct {
	N0, N1, N2 int64
}

// Add sums two count triples. Plain integer addition: commutative,
// associative, safe under arbitrary merge order and re-execution.
func (c Counts) Add(o Counts) Counts {
	return Counts{c.N0 + o.N0, c.N1 + o.N1, c.N2 + o.N2}
}

// Total is the number of variants at which both samples were called.
func (c Counts) Total() int64 { return c.N0 + c.N1 + c.N2 }

// countBlockPair tallies IBS categories for every (sample in a, sample
// in b) combination across the variant range the two blocks share,
// emitting one (pairKey, Counts) entry per pair that overlapped on at
// least one called variant. Padding cells are missing and so fall out
// naturally; self and mirrored pairs are left for the downstream
// filter.
func countBlockPair(chunk, nSamples, sbA, sbB int, a, b []byte) ([]int, []Counts) {
	var keys []int
	var counts []Counts
	for i := 0; i < chunk; i++ {
		gi := sbA*chunk + i
		if gi >= nSamples {
			break
		}
		rowA := a[i*chunk : (i+1)*chunk]
		for j := 0; j < chunk; j++ {
			gj := sbB*chunk + j
			if gj >= nSamples {
				break
			}
			rowB := b[j*chunk : (j+1)*chunk]
			var c Counts
			for v := 0; v < chunk; v++ {
				switch ibsLookup[int(rowA[v])<<2|int(rowB[v])] {
				case 0:
					c.N0++
				case 1:
					c.N1++
				case 2:
					c.N2++
				}
			}
			if c != (Counts{}) {
				keys = append(keys, pairKey(gi, gj))
				counts = append(counts, c)
			}
		}
	}
	return keys, counts
}
