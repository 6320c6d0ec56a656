// Package vcfio loads a bi-allelic genotype VCF into the variant-major
// matrix consumed by the ibd and maf commands. It reads plain or
// bgzipped files (and stdin), takes sample identifiers from the #CHROM
// header line, and optionally pulls a per-variant minor allele
// frequency out of a named INFO tag. Only the GT field is inspected;
// everything else in FORMAT is ignored.
package vcfio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/brentp/goibd/gt"
	"github.com/brentp/xopen"
)

// Load reads the VCF at path. When mafTag is non-empty, every record
// must carry that INFO tag with a frequency in [0, 1]; the values land
// in Matrix.MAF. With an empty mafTag, MAF is left NaN and the caller
// estimates frequencies from the calls.
func Load(path string, mafTag string) (*gt.Matrix, error) {
	var rdr io.Reader
	if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".bgz") {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		bgz, err := bgzf.NewReader(fh, runtime.GOMAXPROCS(0))
		if err != nil {
			return nil, fmt.Errorf("vcfio: %s: %w", path, err)
		}
		defer bgz.Close()
		rdr = bgz
	} else {
		fh, err := xopen.Ropen(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		rdr = fh
	}
	m, err := load(rdr, mafTag)
	if err != nil {
		return nil, fmt.Errorf("vcfio: %s: %w", path, err)
	}
	return m, nil
}

func load(rdr io.Reader, mafTag string) (*gt.Matrix, error) {
	scanner := bufio.NewScanner(rdr)
	// genotype lines for large cohorts get long.
	const maxLine = 64 * 1024 * 1024
	scanner.Buffer(make([]byte, 1<<20), maxLine)

	m := &gt.Matrix{}
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "##") {
			continue
		}
		if strings.HasPrefix(line, "#CHROM") {
			toks := strings.Split(line, "\t")
			if len(toks) < 10 {
				return nil, fmt.Errorf("line %d: header has no sample columns", lineno)
			}
			m.Samples = toks[9:]
			continue
		}
		if m.Samples == nil {
			return nil, fmt.Errorf("line %d: record before #CHROM header", lineno)
		}
		if err := parseRecord(m, line, mafTag); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if m.Samples == nil {
		return nil, fmt.Errorf("no #CHROM header found")
	}
	return m, nil
}

func parseRecord(m *gt.Matrix, line string, mafTag string) error {
	toks := strings.Split(line, "\t")
	if len(toks) < 10 {
		return fmt.Errorf("record has no genotype columns")
	}
	if got, want := len(toks)-9, len(m.Samples); got != want {
		return fmt.Errorf("record has %d genotype columns, header has %d samples", got, want)
	}
	if strings.Contains(toks[4], ",") {
		return fmt.Errorf("multi-allelic record %s:%s not supported. split it first", toks[0], toks[1])
	}
	pos, err := strconv.Atoi(toks[1])
	if err != nil {
		return fmt.Errorf("bad POS %q: %w", toks[1], err)
	}

	maf := math.NaN()
	if mafTag != "" {
		if maf, err = infoFloat(toks[7], mafTag); err != nil {
			return err
		}
		if maf < 0 || maf > 1 {
			return fmt.Errorf("INFO %s=%g out of [0,1]", mafTag, maf)
		}
	}

	if first, _, _ := strings.Cut(toks[8], ":"); first != "GT" {
		return fmt.Errorf("FORMAT %q does not start with GT", toks[8])
	}
	calls := make([]gt.Genotype, len(m.Samples))
	for i, field := range toks[9:] {
		g, err := parseGT(field)
		if err != nil {
			return fmt.Errorf("sample %s: %w", m.Samples[i], err)
		}
		calls[i] = g
	}

	m.Variants = append(m.Variants, gt.Variant{Chrom: toks[0], Pos: pos, Ref: toks[3], Alt: toks[4]})
	m.MAF = append(m.MAF, maf)
	m.Calls = append(m.Calls, calls)
	return nil
}

// parseGT decodes the GT subfield of one sample column into an
// alternate-allele count. Phased and unphased separators are
// equivalent here; any missing allele makes the whole call missing.
func parseGT(field string) (gt.Genotype, error) {
	s, _, _ := strings.Cut(field, ":")
	s = strings.ReplaceAll(s, "|", "/")
	if strings.Contains(s, ".") {
		return gt.Missing, nil
	}
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return gt.Missing, fmt.Errorf("non-diploid GT %q", field)
	}
	alts := 0
	for _, al := range []string{a, b} {
		v, err := strconv.Atoi(al)
		if err != nil || v < 0 || v > 1 {
			return gt.Missing, fmt.Errorf("bad allele %q in GT %q", al, field)
		}
		alts += v
	}
	return gt.New(alts)
}

func infoFloat(info, tag string) (float64, error) {
	for _, kv := range strings.Split(info, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == tag {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, fmt.Errorf("INFO %s=%q is not a number", tag, v)
			}
			return f, nil
		}
	}
	return 0, fmt.Errorf("INFO tag %s not found in %q", tag, info)
}
