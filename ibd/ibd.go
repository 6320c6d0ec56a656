// Package ibd estimates genome-wide pairwise relatedness between all
// samples of a genotype VCF. For every sample pair it reports the
// method-of-moments probabilities of sharing 0, 1 or 2 alleles
// identical by descent (Z0, Z1, Z2), the kinship estimate PI_HAT, and
// the raw identity-by-state counts the estimates came from. The
// comparison is blocked so that no task ever holds more than
// chunk-squared pair slots, and all aggregation is commutative, so the
// same pipeline runs locally or distributed.
package ibd

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"

	arg "github.com/alexflint/go-arg"
	"github.com/brentp/goibd/vcfio"
	"github.com/brentp/xopen"
	"github.com/fatih/color"
	"github.com/grailbio/bigslice/exec"
	"gonum.org/v1/gonum/stat"
)

var cli = struct {
	MafTag    string  `arg:"-m,help:INFO tag holding the per-variant minor allele frequency. estimated from the samples when unset."`
	Min       float64 `arg:"help:only report pairs with PI_HAT at or above this value"`
	Max       float64 `arg:"help:only report pairs with PI_HAT at or below this value"`
	Unbounded bool    `arg:"-u,help:report raw Z estimates without clipping onto the probability simplex"`
	ChunkSize int     `arg:"-c,help:samples per block in the pairwise comparison"`
	Procs     int     `arg:"-p,help:parallelism of the local execution session"`
	Outfile   string  `arg:"-o,help:path for the output table. - for stdout."`
	VCF       string  `arg:"positional,required,help:VCF with genotypes for all samples"`
}{Min: math.NaN(), Max: math.NaN(), ChunkSize: DefaultChunkSize, Procs: 2, Outfile: "-"}

func fatal(err error) {
	c := color.New(color.BgRed).Add(color.Bold)
	fmt.Fprintf(os.Stderr, "%s\n", c.SprintFunc()(err.Error()))
	os.Exit(1)
}

// Main is called from the goibd dispatcher.
func Main() {
	arg.MustParse(&cli)
	mat, err := vcfio.Load(cli.VCF, cli.MafTag)
	if err != nil {
		fatal(err)
	}
	log.Printf("ibd: %d samples x %d variants", mat.NSamples(), mat.NVariants())

	sess := exec.Start(exec.Local, exec.Parallelism(cli.Procs))
	defer sess.Shutdown()
	opts := Options{
		ChunkSize: cli.ChunkSize,
		UseMAF:    cli.MafTag != "",
		Unbounded: cli.Unbounded,
	}
	if !math.IsNaN(cli.Min) {
		opts.Min = &cli.Min
	}
	if !math.IsNaN(cli.Max) {
		opts.Max = &cli.Max
	}
	pairs, err := Run(context.Background(), sess, mat, opts)
	if err != nil {
		fatal(err)
	}

	wtr, err := xopen.Wopen(cli.Outfile)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintln(wtr, "sample_a\tsample_b\tZ0\tZ1\tZ2\tPI_HAT\tIBS0\tIBS1\tIBS2")
	pis := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		fmt.Fprintf(wtr, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%d\t%d\t%d\n",
			mat.Samples[p.A], mat.Samples[p.B],
			p.Z0, p.Z1, p.Z2, p.PiHat, p.N0, p.N1, p.N2)
		pis = append(pis, p.PiHat)
	}
	wtr.Flush()
	wtr.Close()
	if len(pis) > 0 {
		log.Printf("ibd: %d pairs. mean PI_HAT: %.4f sd: %.4f", len(pis),
			stat.Mean(pis, nil), math.Sqrt(stat.Variance(pis, nil)))
	} else {
		log.Printf("ibd: no pairs passed the PI_HAT bounds")
	}
}
