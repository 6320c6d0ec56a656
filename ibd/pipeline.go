package ibd

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/brentp/goibd/gt"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigslice"
	"github.com/grailbio/bigslice/exec"
)

// Options configures a pipeline run.
type Options struct {
	// ChunkSize is the block edge length; DefaultChunkSize when 0.
	// Tests force small values to exercise block-boundary handling.
	ChunkSize int
	// Shards is the number of input shards per pass (default 4).
	Shards int
	// UseMAF selects the per-variant MAF annotation carried by the
	// matrix over frequencies estimated from the calls themselves.
	UseMAF bool
	// Unbounded reports raw Z estimates instead of clipping them onto
	// the probability simplex.
	Unbounded bool
	// Min and Max are inclusive PI_HAT bounds; nil leaves a side
	// unbounded.
	Min, Max *float64
}

// Pair is one row of output: a, b index the matrix sample list with
// a < b.
type Pair struct {
	A, B int
	Extended
}

// expectationsPass sums per-variant IBS expectations into a single
// genome-wide total under key 0. Degenerate variants contribute the
// Join identity and so are skipped without poisoning the total.
var expectationsPass = bigslice.Func(func(shards int, mafs []float64, calls [][]gt.Genotype, useMAF bool, nSamples int) bigslice.Slice {
	slice := bigslice.Const(shards, mafs, calls)
	keyed := bigslice.Map(slice, func(maf float64, gts []gt.Genotype) (int, Expectations) {
		return 0, variantExpectations(maf, useMAF, gts, nSamples)
	})
	return bigslice.Reduce(keyed, Expectations.Join)
})

// ibdPass is the blocked pairwise pipeline: reshape rows into
// chunk×chunk blocks, join blocks on their shared variant range, count
// IBS categories for the upper triangle of sample-block pairs, sum the
// per-pair histograms, and turn the sums into IBD coefficients using
// the already-normalized genome-wide expectations.
var ibdPass = bigslice.Func(func(shards, chunk, nSamples int, calls [][]gt.Genotype, norm Expectations, bounded bool, minPi, maxPi float64) bigslice.Slice {
	vIdx := make([]int, len(calls))
	for i := range vIdx {
		vIdx[i] = i
	}
	rows := bigslice.Const(shards, vIdx, calls)

	sub := bigslice.Flatmap(rows, func(v int, gts []gt.Genotype) ([]int, []int, [][]byte) {
		return rowSubBlocks(chunk, v, gts)
	})
	blocks := bigslice.Fold(sub, func(buf []byte, voff int, seg []byte) []byte {
		return mergeRow(buf, chunk, voff, seg)
	})

	byVariant := bigslice.Map(blocks, func(key int, buf []byte) (int, int, []byte) {
		sb, vb := splitKey(key)
		return vb, sb, buf
	})
	grouped := bigslice.Cogroup(byVariant)

	pairs := bigslice.Flatmap(grouped, func(vb int, sbs []int, bufs [][]byte) ([]int, []Counts) {
		var keys []int
		var counts []Counts
		for ai, sa := range sbs {
			for bi, sb := range sbs {
				if sb < sa {
					continue
				}
				k, c := countBlockPair(chunk, nSamples, sa, sb, bufs[ai], bufs[bi])
				keys = append(keys, k...)
				counts = append(counts, c...)
			}
		}
		return keys, counts
	})
	summed := bigslice.Reduce(pairs, Counts.Add)

	// unique unordered pairs only; block edges may overshoot when
	// nSamples is not a multiple of chunk.
	kept := bigslice.Filter(summed, func(key int, c Counts) bool {
		i, j := splitKey(key)
		return i < j && j < nSamples
	})
	out := bigslice.Map(kept, func(key int, c Counts) (int, int, Extended) {
		i, j := splitKey(key)
		return i, j, estimate(c, norm, bounded)
	})
	return bigslice.Filter(out, func(i, j int, x Extended) bool {
		if !math.IsNaN(minPi) && x.PiHat < minPi {
			return false
		}
		if !math.IsNaN(maxPi) && x.PiHat > maxPi {
			return false
		}
		return true
	})
})

// Run executes the two pipeline phases on sess: the expectation pass
// must finish and be normalized before the counting pass can interpret
// its counts, while block building itself has no such dependency. The
// returned pairs are sorted by sample index.
func Run(ctx context.Context, sess *exec.Session, m *gt.Matrix, opts Options) ([]Pair, error) {
	chunk := opts.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	shards := opts.Shards
	if shards == 0 {
		shards = 4
	}
	nSamples := m.NSamples()

	res, err := sess.Run(ctx, expectationsPass, shards, m.MAF, m.Calls, opts.UseMAF, nSamples)
	if err != nil {
		return nil, fmt.Errorf("ibd: expectation pass: %w", err)
	}
	var (
		key   int
		e     Expectations
		total Expectations
	)
	scan := res.Scanner()
	for scan.Scan(ctx, &key, &e) {
		total = total.Join(e)
	}
	err = scan.Err()
	scan.Close()
	if err != nil {
		return nil, fmt.Errorf("ibd: expectation pass: %w", err)
	}
	if total.N == 0 {
		return nil, fmt.Errorf("ibd: no variant had a usable allele frequency")
	}
	log.Printf("ibd: expectations estimated from %d of %d variants", total.N, m.NVariants())
	norm := total.Normalized()

	minPi, maxPi := math.NaN(), math.NaN()
	if opts.Min != nil {
		minPi = *opts.Min
	}
	if opts.Max != nil {
		maxPi = *opts.Max
	}
	res, err = sess.Run(ctx, ibdPass, shards, chunk, nSamples, m.Calls, norm, !opts.Unbounded, minPi, maxPi)
	if err != nil {
		return nil, fmt.Errorf("ibd: counting pass: %w", err)
	}
	var (
		i, j  int
		x     Extended
		pairs []Pair
	)
	scan = res.Scanner()
	for scan.Scan(ctx, &i, &j, &x) {
		pairs = append(pairs, Pair{A: i, B: j, Extended: x})
	}
	err = scan.Err()
	scan.Close()
	if err != nil {
		return nil, fmt.Errorf("ibd: counting pass: %w", err)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].A != pairs[b].A {
			return pairs[a].A < pairs[b].A
		}
		return pairs[a].B < pairs[b].B
	})
	return pairs, nil
}
