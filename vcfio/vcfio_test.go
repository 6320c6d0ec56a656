package vcfio

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/biogo/hts/bgzf"
	"github.com/brentp/goibd/gt"
)

func vcf(records ...string) string {
	lines := []string{
		"##fileformat=VCFv4.2",
		"##INFO=<ID=AF,Number=1,Type=Float,Description=\"alt allele frequency\">",
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\ts1\ts2\ts3",
	}
	return strings.Join(append(lines, records...), "\n") + "\n"
}

func TestLoad(t *testing.T) {
	in := vcf(
		"1\t100\t.\tA\tT\t30\tPASS\tAF=0.25\tGT:DP\t0/0:10\t0|1:9\t./.:0",
		"1\t200\trs1\tC\tG\t.\tPASS\tAF=0.5\tGT\t1/1\t1|0\t0/0",
	)
	m, err := load(strings.NewReader(in), "AF")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"s1", "s2", "s3"}; !reflect.DeepEqual(m.Samples, want) {
		t.Errorf("samples: got %v, want %v", m.Samples, want)
	}
	if m.NVariants() != 2 {
		t.Fatalf("got %d variants, want 2", m.NVariants())
	}
	if want := (gt.Variant{Chrom: "1", Pos: 100, Ref: "A", Alt: "T"}); m.Variants[0] != want {
		t.Errorf("variant: got %+v, want %+v", m.Variants[0], want)
	}
	if !reflect.DeepEqual(m.MAF, []float64{0.25, 0.5}) {
		t.Errorf("maf: got %v", m.MAF)
	}
	wantCalls := [][]gt.Genotype{
		{gt.HomRef, gt.Het, gt.Missing},
		{gt.HomAlt, gt.Het, gt.HomRef},
	}
	if !reflect.DeepEqual(m.Calls, wantCalls) {
		t.Errorf("calls: got %v, want %v", m.Calls, wantCalls)
	}
}

func TestLoadNoTag(t *testing.T) {
	in := vcf("1\t100\t.\tA\tT\t30\tPASS\t.\tGT\t0/0\t0/1\t1/1")
	m, err := load(strings.NewReader(in), "")
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(m.MAF[0]) {
		t.Errorf("maf without a tag should be NaN, got %v", m.MAF[0])
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		rec  string
		tag  string
	}{
		{"multi-allelic", "1\t100\t.\tA\tT,G\t.\tPASS\tAF=0.2\tGT\t0/0\t0/1\t1/1", "AF"},
		{"missing tag", "1\t100\t.\tA\tT\t.\tPASS\tDP=9\tGT\t0/0\t0/1\t1/1", "AF"},
		{"maf out of range", "1\t100\t.\tA\tT\t.\tPASS\tAF=1.5\tGT\t0/0\t0/1\t1/1", "AF"},
		{"no GT in FORMAT", "1\t100\t.\tA\tT\t.\tPASS\tAF=0.2\tDP:GT\t9:0/0\t9:0/1\t9:1/1", "AF"},
		{"allele out of range", "1\t100\t.\tA\tT\t.\tPASS\tAF=0.2\tGT\t0/2\t0/1\t1/1", "AF"},
		{"haploid call", "1\t100\t.\tA\tT\t.\tPASS\tAF=0.2\tGT\t0\t0/1\t1/1", "AF"},
		{"wrong column count", "1\t100\t.\tA\tT\t.\tPASS\tAF=0.2\tGT\t0/0\t0/1", "AF"},
	}
	for _, tt := range cases {
		if _, err := load(strings.NewReader(vcf(tt.rec)), tt.tag); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestLoadMissingVariants(t *testing.T) {
	// half-called genotypes are missing, not errors.
	in := vcf("1\t100\t.\tA\tT\t.\tPASS\t.\tGT\t./1\t0/1\t1/1")
	m, err := load(strings.NewReader(in), "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Calls[0][0] != gt.Missing {
		t.Errorf("half-called GT should be missing, got %v", m.Calls[0][0])
	}
}

func TestLoadBgzf(t *testing.T) {
	in := vcf(
		"1\t100\t.\tA\tT\t30\tPASS\tAF=0.25\tGT:DP\t0/0:10\t0|1:9\t./.:0",
		"1\t200\trs1\tC\tG\t.\tPASS\tAF=0.5\tGT\t1/1\t1|0\t0/0",
	)
	path := filepath.Join(t.TempDir(), "small.vcf.gz")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	bz := bgzf.NewWriter(fh, 1)
	if _, err := bz.Write([]byte(in)); err != nil {
		t.Fatal(err)
	}
	if err := bz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fh.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path, "AF")
	if err != nil {
		t.Fatal(err)
	}
	want, err := load(strings.NewReader(in), "AF")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("bgzf load: got %+v, want %+v", got, want)
	}
}
