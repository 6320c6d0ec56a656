package ibd

// Info holds the method-of-moments IBD coefficients for one sample
// pair: the probabilities of sharing 0, 1 or 2 alleles identical by
// descent, and PI_HAT = Z1/2 + Z2.
type Info struct {
	Z0, Z1, Z2 float64
	PiHat      float64
}

// Extended pairs the coefficients with the raw IBS counts they were
// estimated from, so callers can re-derive Info under a different
// bounding policy or inspect the underlying evidence.
type Extended struct {
	Info
	Counts
}

// estimate solves the moment equations for one pair given its summed
// counts and the normalized genome-wide expectations, scaling the
// expectations by the number of co-called variants. E22 is 1, so its
// scaled form is just the total.
func estimate(c Counts, e Expectations, bounded bool) Extended {
	t := float64(c.Total())
	z0 := float64(c.N0) / (e.E00 * t)
	z1 := (float64(c.N1) - z0*e.E10*t) / (e.E11 * t)
	z2 := (float64(c.N2) - z0*e.E20*t - z1*e.E21*t) / t
	if bounded {
		z0, z1, z2 = bound(z0, z1, z2)
	}
	return Extended{Info{Z0: z0, Z1: z1, Z2: z2, PiHat: z2 + z1/2}, c}
}

// bound projects an out-of-range estimate onto the probability
// simplex. The checks run in a fixed order and the first match wins:
// the >1 cases collapse to a vertex, the <0 cases renormalize the
// remaining two coefficients.
func bound(z0, z1, z2 float64) (float64, float64, float64) {
	switch {
	case z0 > 1:
		return 1, 0, 0
	case z1 > 1:
		return 0, 1, 0
	case z2 > 1:
		return 0, 0, 1
	case z0 < 0:
		s := z1 + z2
		return 0, z1 / s, z2 / s
	case z1 < 0:
		s := z0 + z2
		return z0 / s, 0, z2 / s
	case z2 < 0:
		s := z0 + z1
		return z0 / s, z1 / s, 0
	}
	return z0, z1, z2
}
