// Command tckstats summarises the streamline lengths of a .tck track file:
// count, length distribution moments, and optionally a histogram image.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/neurodata-tools/tractor/internal/tck"
	"github.com/neurodata-tools/tractor/internal/version"
)

var (
	weightsPath = flag.String("weights", "", "Per-streamline weights sidecar; statistics are weighted accordingly")
	histPath    = flag.String("histogram", "", "Write a length histogram image (.png) to this path")
	histBins    = flag.Int("bins", 50, "Number of histogram bins")
	ignoreEmpty = flag.Bool("ignore-empty", true, "Skip zero-point streamlines in the statistics")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("tckstats", version.String())
		return
	}
	if flag.NArg() != 1 {
		log.Fatal("usage: tckstats [-weights file] [-histogram out.png] file.tck")
	}
	if err := run(flag.Arg(0)); err != nil {
		log.Fatalf("tckstats: %v", err)
	}
}

func run(path string) error {
	r, err := tck.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if *weightsPath != "" {
		if err := r.LoadWeights(*weightsPath); err != nil {
			return err
		}
	}

	var lengths, weights []float64
	var streamlines, points uint64
	for {
		s, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		streamlines++
		points += uint64(s.Len())
		if s.Len() == 0 && *ignoreEmpty {
			continue
		}
		lengths = append(lengths, float64(s.PathLength()))
		weights = append(weights, float64(s.Weight))
	}

	fmt.Printf("%s:\n", path)
	fmt.Printf("  streamlines: %d\n", streamlines)
	fmt.Printf("  points:      %d\n", points)
	if len(lengths) == 0 {
		fmt.Println("  no streamlines with points; no length statistics")
		return nil
	}

	mean, std := stat.MeanStdDev(lengths, weights)
	sorted := append([]float64(nil), lengths...)
	sort.Float64s(sorted)

	fmt.Printf("  length mean:   %.3f mm\n", mean)
	fmt.Printf("  length stddev: %.3f mm\n", std)
	fmt.Printf("  length median: %.3f mm\n", stat.Quantile(0.5, stat.Empirical, sorted, nil))
	fmt.Printf("  length min:    %.3f mm\n", sorted[0])
	fmt.Printf("  length max:    %.3f mm\n", sorted[len(sorted)-1])

	if *histPath != "" {
		if err := writeHistogram(*histPath, lengths); err != nil {
			return fmt.Errorf("writing histogram: %w", err)
		}
		fmt.Printf("  histogram:     %s\n", *histPath)
	}
	return nil
}

func writeHistogram(path string, lengths []float64) error {
	p := plot.New()
	p.Title.Text = "Streamline length distribution"
	p.X.Label.Text = "Length (mm)"
	p.Y.Label.Text = "Streamlines"

	h, err := plotter.NewHist(plotter.Values(lengths), *histBins)
	if err != nil {
		return err
	}
	p.Add(h)

	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
