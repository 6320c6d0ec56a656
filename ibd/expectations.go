package ibd

import (
	"math"

	"github.com/brentp/goibd/gt"
)

// Expectations accumulates the expected probability of observing each
// IBS sharing category between two unrelated individuals, summed over
// variants. E22 is identically 1 and is not stored. N counts the
// variants that contributed; the zero value is both the identity of
// Join and the representation of a variant whose frequency was too
// degenerate to use.
type Expectations struct {
	E00, E10, E20, E11, E21 float64
	N                       int64
}

// Join combines two expectation sums. It is commutative and
// associative with the zero value as identity, so partitions may be
// folded in any order and re-executed tasks merge safely.
func (a Expectations) Join(b Expectations) Expectations {
	if a.N == 0 {
		return b
	}
	if b.N == 0 {
		return a
	}
	return Expectations{
		E00: a.E00 + b.E00,
		E10: a.E10 + b.E10,
		E20: a.E20 + b.E20,
		E11: a.E11 + b.E11,
		E21: a.E21 + b.E21,
		N:   a.N + b.N,
	}
}

// Normalized divides the summed coefficients by the number of
// contributing variants, yielding the genome-wide per-variant
// expectation. It must be applied exactly once, after the last Join.
func (e Expectations) Normalized() Expectations {
	n := float64(e.N)
	return Expectations{
		E00: e.E00 / n,
		E10: e.E10 / n,
		E20: e.E20 / n,
		E11: e.E11 / n,
		E21: e.E21 / n,
		N:   e.N,
	}
}

func (e Expectations) hasNaN() bool {
	return math.IsNaN(e.E00) || math.IsNaN(e.E10) || math.IsNaN(e.E20) ||
		math.IsNaN(e.E11) || math.IsNaN(e.E21)
}

// variantExpectations computes the expected IBS sharing probabilities
// at one site for a random pair of unrelated individuals, with
// without-replacement (hypergeometric) corrections for drawing from
// the finite pool of Na observed allele copies. When useMAF is set the
// supplied minor allele frequency is used with Na = 2*nSamples;
// otherwise the reference-allele frequency is estimated from the
// called genotypes with Na = 2*nCalled.
//
// A fixed or near-fixed site, or one with too few allele copies,
// produces NaN in one or more coefficients; such a variant is returned
// as the zero value so that Join skips it. Na is deliberately not
// guarded against small counts: the arithmetic is left to go NaN on
// its own.
func variantExpectations(maf float64, useMAF bool, gts []gt.Genotype, nSamples int) Expectations {
	var na, x float64
	if useMAF {
		na = 2 * float64(nSamples)
		x = na * (1 - maf)
	} else {
		var called, refs int
		for _, g := range gts {
			if g.Called() {
				called++
				refs += g.RefAlleles()
			}
		}
		na = 2 * float64(called)
		x = float64(refs)
	}
	y := na - x
	p := x / na
	q := y / na

	// correction factors for 3- and 4-allele draws without replacement.
	f3 := na / (na - 1) * na / (na - 2)
	f4 := f3 * na / (na - 3)

	e := Expectations{
		E00: 2 * p * p * q * q * ((x - 1) / x * (y - 1) / y * f4),
		E10: 4*p*p*p*q*((x-1)/x*(x-2)/x*f4) +
			4*p*q*q*q*((y-1)/y*(y-2)/y*f4),
		E20: q*q*q*q*((y-1)/y*(y-2)/y*(y-3)/y*f4) +
			p*p*p*p*((x-1)/x*(x-2)/x*(x-3)/x*f4) +
			4*p*p*q*q*((x-1)/x*(y-1)/y*f4),
		E11: 2*p*p*q*((x-1)/x*f3) +
			2*p*q*q*((y-1)/y*f3),
		E21: p*p*p*((x-1)/x*(x-2)/x*f3) +
			q*q*q*((y-1)/y*(y-2)/y*f3) +
			p*p*q*((x-1)/x*f3) +
			p*q*q*((y-1)/y*f3),
		N: 1,
	}
	if e.hasNaN() {
		return Expectations{}
	}
	return e
}
