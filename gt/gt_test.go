package gt

import "testing"

func TestNew(t *testing.T) {
	for _, v := range []int{-1, 0, 1, 2} {
		if _, err := New(v); err != nil {
			t.Errorf("New(%d): unexpected error %v", v, err)
		}
	}
	for _, v := range []int{-2, 3, 200} {
		if _, err := New(v); err == nil {
			t.Errorf("New(%d): expected an error", v)
		}
	}
}

func TestAlleles(t *testing.T) {
	tests := []struct {
		g     Genotype
		a, b  int
		ok    bool
		nrefs int
	}{
		{HomRef, 0, 0, true, 2},
		{Het, 0, 1, true, 1},
		{HomAlt, 1, 1, true, 0},
		{Missing, 0, 0, false, 0},
	}
	for _, tt := range tests {
		a, b, ok := tt.g.Alleles()
		if a != tt.a || b != tt.b || ok != tt.ok {
			t.Errorf("%s.Alleles(): got (%d, %d, %v), want (%d, %d, %v)", tt.g, a, b, ok, tt.a, tt.b, tt.ok)
		}
		if n := tt.g.RefAlleles(); n != tt.nrefs {
			t.Errorf("%s.RefAlleles(): got %d, want %d", tt.g, n, tt.nrefs)
		}
	}
}

func TestCode(t *testing.T) {
	if c := Missing.Code(); c != MissingCode {
		t.Errorf("Missing.Code(): got %d, want %d", c, MissingCode)
	}
	for _, g := range []Genotype{HomRef, Het, HomAlt} {
		if c := g.Code(); c != byte(g) {
			t.Errorf("%s.Code(): got %d, want %d", g, c, byte(g))
		}
	}
}
