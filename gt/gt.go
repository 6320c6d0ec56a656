// Package gt holds the diploid genotype model and the variant-major
// genotype matrix shared by the ibd and maf commands. A Genotype is the
// number of alternate alleles carried at a bi-allelic site, or Missing
// for a no-call.
package gt

import "fmt"

// Genotype is a single diploid call: 0, 1 or 2 alternate alleles,
// or Missing.
type Genotype int8

const (
	Missing Genotype = -1
	HomRef  Genotype = 0
	Het     Genotype = 1
	HomAlt  Genotype = 2
)

// MissingCode is the dense byte encoding of a missing call used inside
// the blocked comparison kernels; called genotypes encode as their
// alternate-allele count (0, 1, 2).
const MissingCode = 3

// New validates v as a genotype encoding. Anything outside
// {-1, 0, 1, 2} is a hard error: it means the caller mis-parsed its
// input and continuing would silently corrupt every downstream count.
func New(v int) (Genotype, error) {
	if v < -1 || v > 2 {
		return Missing, fmt.Errorf("gt: invalid genotype encoding %d (want -1, 0, 1 or 2)", v)
	}
	return Genotype(v), nil
}

// Called reports whether g is a genotype call rather than Missing.
func (g Genotype) Called() bool { return g != Missing }

// Alleles decomposes g into an unordered pair of allele indexes
// (0=reference, 1=alternate). ok is false for a missing call, which
// contributes no alleles.
func (g Genotype) Alleles() (a, b int, ok bool) {
	switch g {
	case HomRef:
		return 0, 0, true
	case Het:
		return 0, 1, true
	case HomAlt:
		return 1, 1, true
	}
	return 0, 0, false
}

// RefAlleles returns the number of reference alleles carried by g,
// counting 0 for a missing call.
func (g Genotype) RefAlleles() int {
	if g == Missing {
		return 0
	}
	return 2 - int(g)
}

// Code returns the dense byte encoding of g.
func (g Genotype) Code() byte {
	if g == Missing {
		return MissingCode
	}
	return byte(g)
}

func (g Genotype) String() string {
	switch g {
	case Missing:
		return "./."
	case HomRef:
		return "0/0"
	case Het:
		return "0/1"
	}
	return "1/1"
}

// Variant is the opaque row key of the matrix: it identifies a site but
// carries no behavior beyond identity.
type Variant struct {
	Chrom string
	Pos   int
	Ref   string
	Alt   string
}

func (v Variant) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", v.Chrom, v.Pos, v.Ref, v.Alt)
}

// Matrix is an immutable variant-major genotype dataset. Every row of
// Calls has len(Samples) genotypes in the same sample order, and
// Variants, MAF and Calls are index-aligned. MAF holds the per-variant
// frequency annotation when one was requested at load time and NaN
// otherwise.
type Matrix struct {
	Samples  []string
	Variants []Variant
	MAF      []float64
	Calls    [][]Genotype
}

// NSamples returns the width of every row.
func (m *Matrix) NSamples() int { return len(m.Samples) }

// NVariants returns the number of rows.
func (m *Matrix) NVariants() int { return len(m.Variants) }
