// Command tckinfo prints the header of .tck track files, optionally
// verifying the recorded streamline counts against the stored data, and can
// list recent runs from a run index database.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/neurodata-tools/tractor/internal/rundb"
	"github.com/neurodata-tools/tractor/internal/tck"
	"github.com/neurodata-tools/tractor/internal/tract"
	"github.com/neurodata-tools/tractor/internal/version"
)

var (
	verifyCount = flag.Bool("count", false, "Scan the track data and verify the header counts")
	runDBPath   = flag.String("rundb", "", "List recent runs from the given run index instead of reading track files")
	runLimit    = flag.Int("limit", 20, "Number of runs to list with -rundb")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("tckinfo", version.String())
		return
	}
	if *runDBPath != "" {
		if err := listRuns(*runDBPath, *runLimit); err != nil {
			log.Fatalf("tckinfo: %v", err)
		}
		return
	}

	if flag.NArg() == 0 {
		log.Fatal("usage: tckinfo [-count] file.tck [file.tck ...]")
	}
	failed := false
	for _, path := range flag.Args() {
		if err := printInfo(path); err != nil {
			log.Printf("tckinfo: %s: %v", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func printInfo(path string) error {
	r, err := tck.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("%s:\n", path)
	fmt.Printf("  datatype: %s\n", r.DataType())

	props := r.Properties()
	keys := props.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		if k == "datatype" {
			continue
		}
		v, _ := props.Get(k)
		fmt.Printf("  %s: %s\n", k, v)
	}
	for _, kind := range []string{"include", "exclude", "mask"} {
		for _, spec := range r.ROISpecs[kind] {
			fmt.Printf("  %s: %s\n", kind, spec)
		}
	}

	if *verifyCount {
		return verify(r, props)
	}
	return nil
}

// verify scans the full data section and compares the streamline count
// against the header's count field.
func verify(r *tck.Reader, props *tract.Properties) error {
	var scanned uint64
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("scanning track data: %w", err)
		}
		scanned++
	}
	header, ok := props.Get("count")
	if !ok {
		return fmt.Errorf("header has no count field; scanned %d streamlines", scanned)
	}
	fmt.Printf("  scanned: %d streamlines\n", scanned)
	if fmt.Sprintf("%d", scanned) != trimLeadingZeros(header) {
		return fmt.Errorf("header count %s does not match scanned count %d", header, scanned)
	}
	return nil
}

// trimLeadingZeros normalises the zero-padded header count for comparison.
func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

func listRuns(path string, limit int) error {
	store, err := rundb.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		started := time.Unix(0, r.StartedUnixNanos)
		fmt.Printf("%s  %s  %s  step=%gmm  %d/%d accepted  %s\n",
			r.RunID, started.Format(time.RFC3339), r.Method,
			r.StepSizeMM, r.Count, r.TotalCount, r.Output)
		terms, err := store.ReasonBreakdown(r.RunID, "termination")
		if err != nil {
			return err
		}
		names := make([]string, 0, len(terms))
		for name, n := range terms {
			if n > 0 {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("    %s: %d\n", name, terms[name])
		}
	}
	return nil
}
