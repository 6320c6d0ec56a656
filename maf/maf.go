// Package maf reports per-variant allele frequencies and call rates
// from a genotype VCF. It is a quick way to eyeball the frequency
// spectrum before an ibd run (sites with no minor allele contribute
// nothing to the IBD expectations).
package maf

import (
	"fmt"
	"log"
	"math"
	"os"

	arg "github.com/alexflint/go-arg"
	"github.com/brentp/goibd/vcfio"
	"github.com/brentp/xopen"
	"github.com/fatih/color"
	"gonum.org/v1/gonum/stat"
)

var cli = struct {
	Outfile string `arg:"-o,help:path for the output table. - for stdout."`
	VCF     string `arg:"positional,required,help:VCF with genotypes for all samples"`
}{Outfile: "-"}

func fatal(err error) {
	c := color.New(color.BgRed).Add(color.Bold)
	fmt.Fprintf(os.Stderr, "%s\n", c.SprintFunc()(err.Error()))
	os.Exit(1)
}

// Main is called from the goibd dispatcher.
func Main() {
	arg.MustParse(&cli)
	m, err := vcfio.Load(cli.VCF, "")
	if err != nil {
		fatal(err)
	}
	wtr, err := xopen.Wopen(cli.Outfile)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintln(wtr, "chrom\tpos\tref\talt\tn_called\tcall_rate\tref_freq\talt_freq\tmaf")

	mafs := make([]float64, 0, m.NVariants())
	for k, v := range m.Variants {
		called, refs := 0, 0
		for _, g := range m.Calls[k] {
			if g.Called() {
				called++
				refs += g.RefAlleles()
			}
		}
		rf, af, mf := math.NaN(), math.NaN(), math.NaN()
		if called > 0 {
			rf = float64(refs) / float64(2*called)
			af = 1 - rf
			mf = math.Min(rf, af)
			mafs = append(mafs, mf)
		}
		fmt.Fprintf(wtr, "%s\t%d\t%s\t%s\t%d\t%.4f\t%.4f\t%.4f\t%.4f\n",
			v.Chrom, v.Pos, v.Ref, v.Alt, called,
			float64(called)/float64(m.NSamples()), rf, af, mf)
	}
	wtr.Flush()
	wtr.Close()
	log.Printf("maf: %d variants (%d with calls). mean MAF: %.4f",
		m.NVariants(), len(mafs), stat.Mean(mafs, nil))
}
