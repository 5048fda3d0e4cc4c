// Command tckgen generates streamlines through a diffusion image and writes
// them to a .tck track file.
//
// The source image is a raw float32 volume described by a JSON sidecar; the
// stepping algorithm, seeding region and acceptance criteria are selected on
// the command line, with optional defaults from a JSON tuning file.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/neurodata-tools/tractor/internal/config"
	"github.com/neurodata-tools/tractor/internal/rundb"
	"github.com/neurodata-tools/tractor/internal/tck"
	"github.com/neurodata-tools/tractor/internal/tract"
	"github.com/neurodata-tools/tractor/internal/version"
	"github.com/neurodata-tools/tractor/internal/volume"
)

// roiList collects repeatable region-of-interest flags. Each value is either
// "x,y,z,r" for a sphere or a path to a mask volume descriptor (.json).
type roiList []string

func (r *roiList) String() string { return strings.Join(*r, "; ") }

func (r *roiList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

var (
	sourcePath = flag.String("source", "", "Path to the source volume descriptor (.json)")
	outputPath = flag.String("output", "", "Path to the output track file (.tck)")
	algorithm  = flag.String("algorithm", "ifod2", "Tracking algorithm: fact, tensor_det, ifod1 or ifod2")
	gradPath   = flag.String("grad", "", "Gradient encoding file (gx gy gz b per row; tensor algorithms only)")

	seedSphere = flag.String("seed-sphere", "", "Seed uniformly within a sphere: x,y,z,r (mm)")
	seedImage  = flag.String("seed-image", "", "Seed uniformly within a mask volume descriptor (.json)")
	seedList   = flag.String("seed-list", "", "Seed once from each position in a text file (x y z per row)")

	selectN     = flag.Uint64("select", 5000, "Number of streamlines to keep")
	maxAttempts = flag.Uint64("max-attempts", 0, "Attempt budget (default: 100x the selection count)")
	stepSize    = flag.Float64("step", 0, "Step size in mm (default: algorithm-dependent fraction of voxel size)")
	threshold   = flag.Float64("threshold", 0, "Amplitude cutoff for terminating tracks (default 0.1)")
	initThresh  = flag.Float64("init-threshold", 0, "Amplitude cutoff at the seed point (default: 2x threshold)")
	maxAngle    = flag.Float64("angle", 0, "Maximum angle between successive steps, in degrees")
	seedDir     = flag.String("seed-direction", "", "Initial tracking direction: x,y,z")
	uniDir      = flag.Bool("unidirectional", false, "Track from the seed in one direction only")
	useRK4      = flag.Bool("rk4", false, "Use 4th-order Runge-Kutta integration (tensor_det only)")
	arcSamples  = flag.Int("samples", 0, "Number of samples per step arc (ifod2 only, default 4)")

	includeROIs roiList
	excludeROIs roiList
	maskROIs    roiList

	weightsOut = flag.String("weights-out", "", "Write per-streamline weights to a sidecar text file")
	weightsIn  = flag.String("weights-in", "", "Read per-streamline weights from a text file")
	dataType   = flag.String("datatype", "Float32LE", "Output datatype: Float32LE, Float32BE, Float64LE or Float64BE")
	bufBytes   = flag.Int("buffer", 0, "Writer buffer size in bytes (default 16MB)")

	configPath = flag.String("config", "", "Tuning configuration file (.json)")
	runDBPath  = flag.String("rundb", "", "Record this run in the given run index database")
	workers    = flag.Int("workers", 0, "Worker goroutines (default: number of CPUs)")
	rngSeed    = flag.Int64("rng-seed", 0, "Random seed for reproducible runs (0: nondeterministic)")

	verbose     = flag.Bool("verbose", false, "Enable per-run trace logging")
	quiet       = flag.Bool("quiet", false, "Suppress diagnostic output")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Var(&includeROIs, "include", "Streamlines must traverse this region (repeatable)")
	flag.Var(&excludeROIs, "exclude", "Streamlines entering this region are discarded (repeatable)")
	flag.Var(&maskROIs, "mask", "Streamlines are truncated on leaving this region (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println("tckgen", version.String())
		return
	}
	if *sourcePath == "" || *outputPath == "" {
		log.Fatal("both -source and -output are required")
	}

	diag, trace := io.Writer(os.Stderr), io.Discard
	if *quiet {
		diag = io.Discard
	}
	if *verbose {
		trace = os.Stderr
	}
	tract.SetLogWriters(os.Stderr, diag, trace)

	if err := run(); err != nil {
		log.Fatalf("tckgen: %v", err)
	}
}

func run() error {
	cfg := config.EmptyTrackingConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTrackingConfig(*configPath)
		if err != nil {
			return err
		}
	}

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	// Properties follow a first-write-wins contract: explicit flags first,
	// then the tuning config, then derived defaults during shared setup.
	props := tract.NewProperties()
	if explicit["step"] {
		props.Put("step_size", formatFloat(*stepSize))
	}
	if explicit["threshold"] {
		props.Put("threshold", formatFloat(*threshold))
	}
	if explicit["init-threshold"] {
		props.Put("init_threshold", formatFloat(*initThresh))
	}
	if explicit["angle"] {
		props.Put("max_angle", formatFloat(*maxAngle))
	}
	if explicit["select"] {
		props.Put("max_num_tracks", strconv.FormatUint(*selectN, 10))
	}
	if explicit["max-attempts"] {
		props.Put("max_num_attempts", strconv.FormatUint(*maxAttempts, 10))
	}
	if explicit["unidirectional"] {
		props.Put("unidirectional", strconv.FormatBool(*uniDir))
	}
	if explicit["rk4"] {
		props.Put("rk4", strconv.FormatBool(*useRK4))
	}
	if *seedDir != "" {
		props.Put("init_direction", *seedDir)
	}
	cfg.ApplyTo(props)
	if _, ok := props.Get("max_num_tracks"); !ok && *seedList == "" {
		// Random seeding never runs dry, so an open-ended selection would
		// track forever.
		props.Put("max_num_tracks", strconv.FormatUint(*selectN, 10))
	}

	vol, err := volume.Load(*sourcePath)
	if err != nil {
		return err
	}
	props.Put("source", *sourcePath)

	if err := appendROIs(&props.Include, includeROIs); err != nil {
		return fmt.Errorf("-include: %w", err)
	}
	if err := appendROIs(&props.Exclude, excludeROIs); err != nil {
		return fmt.Errorf("-exclude: %w", err)
	}
	if err := appendROIs(&props.Mask, maskROIs); err != nil {
		return fmt.Errorf("-mask: %w", err)
	}

	interpMode := volume.Trilinear
	if *algorithm == "fact" {
		interpMode = volume.Nearest
	}

	shared, err := tract.NewSharedBase(volume.NewInterp(vol, interpMode), props)
	if err != nil {
		return err
	}

	seed := cfg.GetRNGSeed()
	if explicit["rng-seed"] {
		seed = *rngSeed
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	newMethod, err := buildMethodFactory(shared, vol, interpMode, cfg, seed)
	if err != nil {
		return err
	}

	seeder, err := buildSeeder()
	if err != nil {
		return err
	}

	dtype, err := tck.ParseDataType(*dataType)
	if err != nil {
		return err
	}
	bufferBytes := cfg.GetBufferBytes()
	if explicit["buffer"] {
		bufferBytes = *bufBytes
	}
	writer, err := tck.NewWriter(*outputPath, props, dtype, bufferBytes)
	if err != nil {
		return err
	}
	if *weightsOut != "" {
		if err := writer.SetWeightsPath(*weightsOut); err != nil {
			writer.Close()
			return err
		}
	}

	var inputWeights []float32
	if *weightsIn != "" {
		inputWeights, err = loadWeights(*weightsIn)
		if err != nil {
			writer.Close()
			return err
		}
	}

	poolSize := cfg.GetWorkers()
	if explicit["workers"] {
		poolSize = *workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := tract.ExecConfig{
		Shared:       shared,
		NewMethod:    newMethod,
		Seeder:       seeder,
		Writer:       writer,
		Workers:      poolSize,
		RNGSeed:      seed,
		InputWeights: inputWeights,
	}

	started := time.Now()
	res, runErr := exec.Run(ctx)
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("finalising %q: %w", *outputPath, err)
	}
	if runErr != nil {
		return runErr
	}

	shared.ReportStats()
	method, _ := props.Get("method")
	log.Printf("wrote %d streamlines (%d attempts) to %s in %s",
		res.Accepted, res.Attempts, *outputPath, time.Since(started).Round(time.Millisecond))

	if *runDBPath != "" {
		store, err := rundb.Open(*runDBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		runID, err := store.InsertRun(&rundb.Run{
			StartedUnixNanos: started.UnixNano(),
			Source:           *sourcePath,
			Output:           *outputPath,
			Method:           method,
			StepSizeMM:       float64(shared.StepSize),
			Count:            res.Accepted,
			TotalCount:       res.Attempts,
		}, shared.TerminationBreakdown(), shared.RejectionBreakdown())
		if err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
		log.Printf("recorded run %s in %s", runID, *runDBPath)
	}
	return nil
}

// buildMethodFactory finishes the algorithm-specific shared setup and returns
// the per-worker method constructor. Each worker gets its own interpolator
// bound to the shared volume.
func buildMethodFactory(shared *tract.SharedBase, vol *volume.Volume, mode volume.Mode, cfg *config.TrackingConfig, seed int64) (func(int) (tract.Method, error), error) {
	workerSeed := func(worker int) int64 {
		// Decorrelated from the worker-loop generators, which use
		// consecutive seeds.
		return seed + 1000003*int64(worker+1)
	}

	switch *algorithm {
	case "fact", "tensor_det":
		if *gradPath == "" {
			return nil, fmt.Errorf("algorithm %q requires -grad", *algorithm)
		}
		grad, err := loadGradientFile(*gradPath)
		if err != nil {
			return nil, err
		}
		table, err := tract.LoadGradientTable(grad)
		if err != nil {
			return nil, fmt.Errorf("gradient table %q: %w", *gradPath, err)
		}
		if *algorithm == "fact" {
			model, err := tract.NewFACTShared(shared, table)
			if err != nil {
				return nil, err
			}
			return func(w int) (tract.Method, error) {
				return tract.NewFACT(shared, model, volume.NewInterp(vol, mode), workerSeed(w)), nil
			}, nil
		}
		model, err := tract.NewTensorDetShared(shared, table)
		if err != nil {
			return nil, err
		}
		return func(w int) (tract.Method, error) {
			return tract.NewTensorDet(shared, model, volume.NewInterp(vol, mode), workerSeed(w)), nil
		}, nil

	case "ifod1":
		lmax, err := tract.NewIFOD1Shared(shared)
		if err != nil {
			return nil, err
		}
		return func(w int) (tract.Method, error) {
			return tract.NewIFOD1(shared, lmax, volume.NewInterp(vol, mode), workerSeed(w)), nil
		}, nil

	case "ifod2":
		lmax, err := tract.NewIFOD2Shared(shared)
		if err != nil {
			return nil, err
		}
		samples := cfg.GetSamples()
		if *arcSamples > 0 {
			samples = *arcSamples
		}
		if samples < 2 {
			return nil, fmt.Errorf("ifod2 needs at least 2 samples per arc, got %d", samples)
		}
		shared.Props.Put("samples_per_step", strconv.Itoa(samples))
		return func(w int) (tract.Method, error) {
			return tract.NewIFOD2(shared, lmax, volume.NewInterp(vol, mode), samples, workerSeed(w)), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown algorithm %q", *algorithm)
}

// buildSeeder selects the seed source. Exactly one of the seeding flags must
// be given.
func buildSeeder() (tract.Seeder, error) {
	given := 0
	for _, s := range []string{*seedSphere, *seedImage, *seedList} {
		if s != "" {
			given++
		}
	}
	if given != 1 {
		return nil, fmt.Errorf("exactly one of -seed-sphere, -seed-image or -seed-list is required")
	}

	switch {
	case *seedSphere != "":
		roi, err := parseSphere(*seedSphere)
		if err != nil {
			return nil, fmt.Errorf("-seed-sphere: %w", err)
		}
		return tract.SphereSeeder{Centre: roi.Centre, Radius: roi.Radius}, nil

	case *seedImage != "":
		maskVol, err := volume.Load(*seedImage)
		if err != nil {
			return nil, err
		}
		if maskVol.Nv != 1 {
			return nil, fmt.Errorf("seed mask %q must have a single value channel, got %d", *seedImage, maskVol.Nv)
		}
		min, max := maskVol.ScannerBounds()
		return tract.MaskSeeder{
			Min:  tract.Point3(min),
			Max:  tract.Point3(max),
			Mask: &tract.MaskROI{Source: volume.NewInterp(maskVol, volume.Trilinear), Name: *seedImage},
		}, nil

	default:
		seeds, err := loadSeedList(*seedList)
		if err != nil {
			return nil, err
		}
		return &tract.ListSeeder{Seeds: seeds}, nil
	}
}

// appendROIs parses the ROI flag values into out, loading mask volumes where
// the value is a descriptor path.
func appendROIs(out *[]tract.ROI, specs roiList) error {
	for _, spec := range specs {
		if strings.HasSuffix(spec, ".json") {
			maskVol, err := volume.Load(spec)
			if err != nil {
				return err
			}
			if maskVol.Nv != 1 {
				return fmt.Errorf("mask %q must have a single value channel, got %d", spec, maskVol.Nv)
			}
			*out = append(*out, &tract.MaskROI{
				Source: volume.NewInterp(maskVol, volume.Trilinear),
				Name:   spec,
			})
			continue
		}
		roi, err := parseSphere(spec)
		if err != nil {
			return err
		}
		*out = append(*out, roi)
	}
	return nil
}

func parseSphere(spec string) (tract.SphereROI, error) {
	fields := strings.Split(spec, ",")
	if len(fields) != 4 {
		return tract.SphereROI{}, fmt.Errorf("expected x,y,z,r, got %q", spec)
	}
	var vals [4]float32
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return tract.SphereROI{}, fmt.Errorf("parsing %q: %w", spec, err)
		}
		vals[i] = float32(x)
	}
	if vals[3] <= 0 {
		return tract.SphereROI{}, fmt.Errorf("radius must be positive in %q", spec)
	}
	return tract.SphereROI{Centre: tract.Point3{vals[0], vals[1], vals[2]}, Radius: vals[3]}, nil
}

// loadGradientFile reads a whitespace-separated numeric table, one row per
// diffusion volume. Blank lines and lines starting with '#' are skipped.
func loadGradientFile(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, 0, len(fields))
		for _, fld := range fields {
			v, err := strconv.ParseFloat(fld, 64)
			if err != nil {
				return nil, fmt.Errorf("gradient file %q: %w", path, err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return rows, nil
}

func loadSeedList(path string) ([]tract.Point3, error) {
	rows, err := loadGradientFile(path)
	if err != nil {
		return nil, err
	}
	seeds := make([]tract.Point3, 0, len(rows))
	for i, r := range rows {
		if len(r) != 3 {
			return nil, fmt.Errorf("seed list %q row %d: expected 3 values, got %d", path, i, len(r))
		}
		seeds = append(seeds, tract.Point3{float32(r[0]), float32(r[1]), float32(r[2])})
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("seed list %q is empty", path)
	}
	return seeds, nil
}

func loadWeights(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	weights := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("weights file %q: %w", path, err)
		}
		weights = append(weights, float32(v))
	}
	return weights, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 32)
}
