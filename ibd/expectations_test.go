package ibd

import (
	"math"
	"testing"

	"github.com/brentp/goibd/gt"
)

const tol = 1e-12

func expEq(a, b Expectations, tol float64) bool {
	if a.N != b.N {
		return false
	}
	for _, d := range []float64{a.E00 - b.E00, a.E10 - b.E10, a.E20 - b.E20, a.E11 - b.E11, a.E21 - b.E21} {
		if math.Abs(d) > tol {
			return false
		}
	}
	return true
}

func TestJoinIdentity(t *testing.T) {
	a := Expectations{E00: 0.1, E10: 0.2, E20: 0.3, E11: 0.4, E21: 0.5, N: 3}
	empty := Expectations{}
	if got := a.Join(empty); got != a {
		t.Errorf("join(a, empty): got %+v, want %+v", got, a)
	}
	if got := empty.Join(a); got != a {
		t.Errorf("join(empty, a): got %+v, want %+v", got, a)
	}
	if got := empty.Join(empty); got != empty {
		t.Errorf("join(empty, empty): got %+v, want zero value", got)
	}
}

func TestJoinCommutativeAssociative(t *testing.T) {
	a := Expectations{E00: 0.1, E10: 0.2, E20: 0.3, E11: 0.4, E21: 0.5, N: 1}
	b := Expectations{E00: 0.01, E10: 0.07, E20: 0.9, E11: 0.11, E21: 0.13, N: 2}
	c := Expectations{E00: 0.33, E10: 0.1, E20: 0.05, E11: 0.2, E21: 0.4, N: 5}

	if x, y := a.Join(b), b.Join(a); x != y {
		t.Errorf("join not commutative: %+v != %+v", x, y)
	}
	if x, y := a.Join(b).Join(c), a.Join(b.Join(c)); !expEq(x, y, tol) {
		t.Errorf("join not associative: %+v != %+v", x, y)
	}
}

// a degenerate variant comes back as the Join identity so a single bad
// site cannot poison the genome-wide total.
func TestDegenerateVariants(t *testing.T) {
	cases := []struct {
		name     string
		maf      float64
		useMAF   bool
		gts      []gt.Genotype
		nSamples int
	}{
		{"fixed ref", 0, true, nil, 10},
		{"fixed alt", 1, true, nil, 10},
		{"one sample", 0.5, true, nil, 1},
		{"all missing", 0, false, []gt.Genotype{gt.Missing, gt.Missing}, 2},
		{"monomorphic sample", 0, false, []gt.Genotype{gt.HomRef, gt.HomRef, gt.HomRef}, 3},
	}
	for _, tt := range cases {
		if e := variantExpectations(tt.maf, tt.useMAF, tt.gts, tt.nSamples); e.N != 0 {
			t.Errorf("%s: expected invalid (identity), got %+v", tt.name, e)
		}
	}
}

// na=4, p=q=1/2 gives exact small fractions, worked by hand from the
// hypergeometric correction terms.
func TestVariantExpectationsSupplied(t *testing.T) {
	e := variantExpectations(0.5, true, nil, 2)
	want := Expectations{E00: 1. / 3, E10: 0, E20: 2. / 3, E11: 2. / 3, E21: 1. / 3, N: 1}
	if !expEq(e, want, tol) {
		t.Errorf("got %+v, want %+v", e, want)
	}
}

// with many allele copies the corrections vanish and the coefficients
// approach the with-replacement probabilities, which sum to one per
// draw count.
func TestVariantExpectationsLimit(t *testing.T) {
	e := variantExpectations(0.5, true, nil, 100000)
	if s := e.E00 + e.E10 + e.E20; math.Abs(s-1) > 1e-3 {
		t.Errorf("4-draw coefficients sum to %v, want ~1", s)
	}
	if s := e.E11 + e.E21; math.Abs(s-1) > 1e-3 {
		t.Errorf("3-draw coefficients sum to %v, want ~1", s)
	}
}

func TestSampleEstimatedMatchesSupplied(t *testing.T) {
	// 4 samples, alt-allele frequency 1/2 with every copy observed:
	// estimating from the calls must agree with a supplied MAF of 1/2.
	gts := []gt.Genotype{gt.HomRef, gt.Het, gt.Het, gt.HomAlt}
	est := variantExpectations(0, false, gts, 4)
	sup := variantExpectations(0.5, true, nil, 4)
	if !expEq(est, sup, tol) {
		t.Errorf("estimated %+v != supplied %+v", est, sup)
	}
}

func TestFoldOrderInvariance(t *testing.T) {
	rows := [][]gt.Genotype{
		{gt.HomRef, gt.Het, gt.HomAlt, gt.Het},
		{gt.Het, gt.Het, gt.HomRef, gt.HomAlt},
		{gt.HomAlt, gt.Missing, gt.Het, gt.HomRef},
		{gt.HomRef, gt.HomRef, gt.Het, gt.Het},
		{gt.Missing, gt.Het, gt.HomAlt, gt.HomAlt},
	}
	var fwd, rev Expectations
	for _, r := range rows {
		fwd = fwd.Join(variantExpectations(0, false, r, 4))
	}
	for i := len(rows) - 1; i >= 0; i-- {
		rev = rev.Join(variantExpectations(0, false, rows[i], 4))
	}
	if !expEq(fwd.Normalized(), rev.Normalized(), 1e-9) {
		t.Errorf("fold order changed the total: %+v vs %+v", fwd, rev)
	}
}
