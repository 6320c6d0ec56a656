package ibd

import (
	"context"
	"math"
	"testing"

	"github.com/brentp/goibd/gt"
	"github.com/grailbio/bigslice/exec"
)

// one local session shared by the pipeline tests.
var sess = exec.Start(exec.Local)

func matrixOf(samples []string, maf float64, rows ...[]gt.Genotype) *gt.Matrix {
	m := &gt.Matrix{Samples: samples}
	for _, r := range rows {
		m.Variants = append(m.Variants, gt.Variant{Chrom: "1", Pos: len(m.Variants) + 1, Ref: "A", Alt: "T"})
		m.MAF = append(m.MAF, maf)
		m.Calls = append(m.Calls, r)
	}
	return m
}

func TestIdenticalSamples(t *testing.T) {
	m := matrixOf([]string{"a", "b"}, 0.5,
		[]gt.Genotype{gt.HomRef, gt.HomRef},
		[]gt.Genotype{gt.Het, gt.Het},
		[]gt.Genotype{gt.HomAlt, gt.HomAlt},
		[]gt.Genotype{gt.HomRef, gt.HomRef},
	)
	pairs, err := Run(context.Background(), sess, m, Options{UseMAF: true, Shards: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	p := pairs[0]
	if p.A != 0 || p.B != 1 {
		t.Errorf("pair indexes: got (%d, %d), want (0, 1)", p.A, p.B)
	}
	if p.Counts != (Counts{N2: 4}) {
		t.Errorf("counts: got %+v, want {N2:4}", p.Counts)
	}
	if math.Abs(p.Z2-1) > 1e-9 || math.Abs(p.PiHat-1) > 1e-9 {
		t.Errorf("got Z2=%v PI_HAT=%v, want ~1, ~1", p.Z2, p.PiHat)
	}
}

func TestOppositeSamples(t *testing.T) {
	m := matrixOf([]string{"a", "b"}, 0.5,
		[]gt.Genotype{gt.HomRef, gt.HomAlt},
		[]gt.Genotype{gt.HomRef, gt.HomAlt},
		[]gt.Genotype{gt.HomRef, gt.HomAlt},
		[]gt.Genotype{gt.HomRef, gt.HomAlt},
	)
	pairs, err := Run(context.Background(), sess, m, Options{UseMAF: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	p := pairs[0]
	if p.Counts != (Counts{N0: 4}) {
		t.Errorf("counts: got %+v, want {N0:4}", p.Counts)
	}
	if p.Z0 != 1 || p.PiHat != 0 {
		t.Errorf("got Z0=%v PI_HAT=%v, want 1, 0", p.Z0, p.PiHat)
	}

	// unbounded mode surfaces the raw out-of-range solution.
	pairs, err = Run(context.Background(), sess, m, Options{UseMAF: true, Unbounded: true})
	if err != nil {
		t.Fatal(err)
	}
	if p := pairs[0]; p.PiHat >= 0 || math.Abs(p.Z0-3) > 1e-9 {
		t.Errorf("unbounded: got Z0=%v PI_HAT=%v, want 3 and negative", p.Z0, p.PiHat)
	}
}

// three samples with a chunk size of two exercises the block-boundary
// logic: the padded block edge must not invent samples, and each
// unordered pair must come out exactly once.
func TestChunkBoundary(t *testing.T) {
	m := matrixOf([]string{"a", "b", "c"}, 0.5,
		[]gt.Genotype{gt.HomRef, gt.HomRef, gt.Het},
		[]gt.Genotype{gt.Het, gt.Missing, gt.Het},
		[]gt.Genotype{gt.HomAlt, gt.HomAlt, gt.HomRef},
		[]gt.Genotype{gt.HomRef, gt.Het, gt.Missing},
		[]gt.Genotype{gt.Het, gt.Het, gt.Het},
	)
	pairs, err := Run(context.Background(), sess, m, Options{UseMAF: true, ChunkSize: 2, Shards: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	// co-called variant counts, worked by hand from the rows above.
	wantTotals := map[[2]int]int64{
		{0, 1}: 4,
		{0, 2}: 4,
		{1, 2}: 3,
	}
	seen := map[[2]int]bool{}
	for _, p := range pairs {
		if p.A >= p.B || p.B >= m.NSamples() {
			t.Errorf("bad pair indexes (%d, %d)", p.A, p.B)
		}
		k := [2]int{p.A, p.B}
		if seen[k] {
			t.Errorf("pair %v produced more than once", k)
		}
		seen[k] = true
		if got := p.Total(); got != wantTotals[k] {
			t.Errorf("pair %v: N0+N1+N2 = %d, want %d co-called variants", k, got, wantTotals[k])
		}
		if p.PiHat < 0 || p.PiHat > 1 {
			t.Errorf("pair %v: bounded PI_HAT %v outside [0,1]", k, p.PiHat)
		}
	}
}

func TestPiHatFilter(t *testing.T) {
	m := matrixOf([]string{"a", "b"}, 0.5,
		[]gt.Genotype{gt.HomRef, gt.HomRef},
		[]gt.Genotype{gt.Het, gt.Het},
		[]gt.Genotype{gt.HomAlt, gt.HomAlt},
		[]gt.Genotype{gt.HomRef, gt.HomRef},
	)
	min := 0.9
	pairs, err := Run(context.Background(), sess, m, Options{UseMAF: true, Min: &min})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Errorf("min filter dropped a qualifying pair: got %d pairs", len(pairs))
	}
	max := 0.5
	pairs, err = Run(context.Background(), sess, m, Options{UseMAF: true, Max: &max})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("max filter kept %d pairs, want 0", len(pairs))
	}
}

func TestNoUsableVariants(t *testing.T) {
	// every site fixed: no variant can contribute an expectation.
	m := matrixOf([]string{"a", "b"}, 0,
		[]gt.Genotype{gt.HomRef, gt.HomRef},
	)
	if _, err := Run(context.Background(), sess, m, Options{UseMAF: true}); err == nil {
		t.Fatal("expected an error when no variant has a usable frequency")
	}
}

// sample-estimated frequencies over a deterministic unrelated-ish
// cohort: every pair must be produced once and bounded PI_HAT must
// stay on the simplex.
func TestBoundedCohort(t *testing.T) {
	samples := []string{"s1", "s2", "s3", "s4", "s5"}
	n := len(samples)
	var rows [][]gt.Genotype
	state := uint32(42)
	for v := 0; v < 40; v++ {
		row := make([]gt.Genotype, n)
		for s := range row {
			// xorshift; keeps the fixture deterministic.
			state ^= state << 13
			state ^= state >> 17
			state ^= state << 5
			switch state % 10 {
			case 0:
				row[s] = gt.Missing
			case 1, 2, 3:
				row[s] = gt.Het
			case 4, 5:
				row[s] = gt.HomAlt
			default:
				row[s] = gt.HomRef
			}
		}
		rows = append(rows, row)
	}
	m := matrixOf(samples, math.NaN(), rows...)
	pairs, err := Run(context.Background(), sess, m, Options{ChunkSize: 2, Shards: 4})
	if err != nil {
		t.Fatal(err)
	}
	if want := n * (n - 1) / 2; len(pairs) != want {
		t.Fatalf("got %d pairs, want %d", len(pairs), want)
	}
	// brute-force counts, straight off the rows without any blocking.
	brute := map[[2]int]Counts{}
	for _, row := range rows {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if !row[i].Called() || !row[j].Called() {
					continue
				}
				c := brute[[2]int{i, j}]
				switch d := int(row[i]) - int(row[j]); {
				case d == 0:
					c.N2++
				case d == 2 || d == -2:
					c.N0++
				default:
					c.N1++
				}
				brute[[2]int{i, j}] = c
			}
		}
	}
	for _, p := range pairs {
		if want := brute[[2]int{p.A, p.B}]; p.Counts != want {
			t.Errorf("pair (%d,%d): counts %+v, want %+v", p.A, p.B, p.Counts, want)
		}
	}
	for _, p := range pairs {
		if p.PiHat < 0 || p.PiHat > 1 {
			t.Errorf("pair (%d,%d): bounded PI_HAT %v outside [0,1]", p.A, p.B, p.PiHat)
		}
		if p.Z0 < 0 || p.Z0 > 1 || p.Z1 < 0 || p.Z1 > 1 || p.Z2 < 0 || p.Z2 > 1 {
			t.Errorf("pair (%d,%d): bounded Z (%v, %v, %v) off the simplex", p.A, p.B, p.Z0, p.Z1, p.Z2)
		}
	}
}
