package tract

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
)

// Seeder supplies seed positions for tracking attempts. Implementations
// must be safe for concurrent use; stateless seeders draw from the
// caller-supplied per-worker random source.
type Seeder interface {
	// Next returns the next seed, or ok=false when the seed supply is
	// exhausted.
	Next(rng *rand.Rand) (seed Point3, ok bool)
}

// SphereSeeder draws seeds uniformly from a ball.
type SphereSeeder struct {
	Centre Point3
	Radius float32
}

func (s SphereSeeder) Next(rng *rand.Rand) (Point3, bool) {
	for {
		p := Point3{
			float32(2*rng.Float64() - 1),
			float32(2*rng.Float64() - 1),
			float32(2*rng.Float64() - 1),
		}
		if p.Dot(p) <= 1 {
			return s.Centre.Add(p.Scale(s.Radius)), true
		}
	}
}

// MaskSeeder draws seeds uniformly from an ROI by rejection sampling
// within its bounding box.
type MaskSeeder struct {
	Min, Max Point3
	Mask     ROI
}

func (s MaskSeeder) Next(rng *rand.Rand) (Point3, bool) {
	// A mask occupying under ~0.01% of its bounding box is treated as a
	// configuration problem rather than looping forever.
	for i := 0; i < 10000; i++ {
		p := Point3{
			s.Min[0] + float32(rng.Float64())*(s.Max[0]-s.Min[0]),
			s.Min[1] + float32(rng.Float64())*(s.Max[1]-s.Min[1]),
			s.Min[2] + float32(rng.Float64())*(s.Max[2]-s.Min[2]),
		}
		if s.Mask.Contains(p) {
			return p, true
		}
	}
	return Point3{}, false
}

// ListSeeder hands out an explicit seed list in order, once.
type ListSeeder struct {
	Seeds []Point3
	next  atomic.Uint64
}

func (s *ListSeeder) Next(_ *rand.Rand) (Point3, bool) {
	i := s.next.Add(1) - 1
	if i >= uint64(len(s.Seeds)) {
		return Point3{}, false
	}
	return s.Seeds[i], true
}

// TrackWriter consumes generated streamlines. Empty streamlines represent
// failed or rejected attempts and must still be counted toward the total
// attempt count. A TrackWriter is driven by exactly one goroutine.
type TrackWriter interface {
	Append(s *Streamline) error
}

// ExecConfig holds the dependencies for a tracking run: the shared
// configuration, a per-worker method factory, the seed source, and the
// writer. The writer is fed by a single consumer goroutine; workers only
// ever touch their own Method instance plus the shared atomic counters.
type ExecConfig struct {
	Shared *SharedBase

	// NewMethod constructs the stepping method for one worker. Each call
	// must return an independent instance with its own interpolator.
	NewMethod func(worker int) (Method, error)

	Seeder Seeder
	Writer TrackWriter

	// Workers is the pool size; 0 means runtime.NumCPU().
	Workers int

	// RNGSeed makes runs reproducible when non-zero; worker k derives its
	// generator from RNGSeed+k.
	RNGSeed int64

	// InputWeights, when non-nil, supplies per-streamline weights by
	// accepted index in place of the default 1.0.
	InputWeights []float32
}

// ExecResult reports the outcome of a tracking run.
type ExecResult struct {
	Accepted uint64
	Attempts uint64
}

// Run executes the tracking loop until the accepted-track quota is met, the
// attempt budget is exhausted, the seeder runs dry, or ctx is cancelled.
// Write failures abort the run: partial output is unacceptable, so the
// first writer error cancels all workers and is returned.
func (cfg *ExecConfig) Run(ctx context.Context) (ExecResult, error) {
	if cfg.Shared == nil || cfg.NewMethod == nil || cfg.Seeder == nil || cfg.Writer == nil {
		return ExecResult{}, fmt.Errorf("tracking run misconfigured: missing shared state, method factory, seeder or writer")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shared := cfg.Shared
	out := make(chan *Streamline, 4*workers)

	var accepted, attempts atomic.Uint64
	var writeErr error

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		var index uint64
		for s := range out {
			attempts.Add(1)
			if writeErr != nil {
				continue // drain; the run is already aborting
			}
			if shared.MaxTracks > 0 && accepted.Load() >= shared.MaxTracks {
				continue // quota met; in-flight attempts are not written
			}
			if s.Len() > 0 {
				s.Index = index
				if cfg.InputWeights != nil && index < uint64(len(cfg.InputWeights)) {
					s.Weight = cfg.InputWeights[index]
				}
				index++
			}
			if err := cfg.Writer.Append(s); err != nil {
				writeErr = err
				cancel()
				continue
			}
			if s.Len() > 0 {
				accepted.Add(1)
			}
		}
	}()

	var budget atomic.Uint64 // attempts handed out, checked before each one

	var workerWG sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerWG.Add(1)
		go func(id int) {
			defer workerWG.Done()
			method, err := cfg.NewMethod(id)
			if err != nil {
				opsf("worker %d: method construction failed: %v", id, err)
				cancel()
				return
			}
			rng := rand.New(rand.NewSource(cfg.RNGSeed + int64(id)))

			for {
				// Quotas and cancellation are re-checked between
				// attempts only; an in-flight streamline always
				// completes its grow-and-filter cycle.
				select {
				case <-ctx.Done():
					return
				default:
				}
				if shared.MaxTracks > 0 && accepted.Load() >= shared.MaxTracks {
					return
				}
				if shared.MaxAttempts > 0 && budget.Add(1) > shared.MaxAttempts {
					return
				}
				seed, ok := cfg.Seeder.Next(rng)
				if !ok {
					return
				}
				out <- trackAttempt(shared, method, seed)
			}
		}(w)
	}

	workerWG.Wait()
	close(out)
	writerWG.Wait()

	res := ExecResult{Accepted: accepted.Load(), Attempts: attempts.Load()}
	if writeErr != nil {
		return res, fmt.Errorf("writing streamlines: %w", writeErr)
	}
	if shared.MaxTracks > 0 && res.Accepted < shared.MaxTracks && ctx.Err() == nil {
		opsf("track quota not reached: %d of %d accepted after %d attempts",
			res.Accepted, shared.MaxTracks, res.Attempts)
	}
	tracef("run complete: %d accepted, %d attempts", res.Accepted, res.Attempts)
	return res, nil
}

// trackAttempt grows, filters and returns one candidate streamline. Failed
// and rejected attempts return an empty streamline so the writer can count
// them toward total_count.
func trackAttempt(shared *SharedBase, method Method, seed Point3) *Streamline {
	method.Reset()
	method.SetPos(seed)
	method.SetDir(shared.InitDir)

	s := NewStreamline()
	if !method.Init() {
		shared.AddTermination(TermCalibrateFail)
		return s
	}
	seedDir := method.Dir()

	includeHit := make([]bool, len(shared.Props.Include))
	var excluded bool

	growDirection(shared, method, s, includeHit, &excluded, false)

	if !shared.Unidirectional && s.Len() < shared.MaxPoints {
		s.Reverse()
		method.Reset()
		method.SetPos(seed)
		method.SetDir(seedDir.Negate())
		growDirection(shared, method, s, includeHit, &excluded, true)
	}

	// Acceptance filters, in order.
	switch {
	case s.Len() < shared.MinPoints:
		shared.AddRejection(RejectTooShort)
	case excluded:
		shared.AddRejection(RejectEnteredExclude)
	case missedInclude(includeHit):
		shared.AddRejection(RejectMissedInclude)
	default:
		return s
	}
	s.Points = s.Points[:0]
	return s
}

// growDirection extends the streamline in the method's current direction
// until a termination reason applies, recording it. When skipSeed is set
// the first step is taken before any point is appended, so the seed point
// is not duplicated on the reverse pass.
func growDirection(shared *SharedBase, method Method, s *Streamline, includeHit []bool, excluded *bool, skipSeed bool) {
	if skipSeed {
		if term := method.Next(); term != TermContinue {
			shared.AddTermination(term)
			return
		}
	}
	for {
		pos := method.Pos()

		for _, m := range shared.Props.Mask {
			if !m.Contains(pos) {
				shared.AddTermination(TermExitMask)
				return
			}
		}
		for _, e := range shared.Props.Exclude {
			if e.Contains(pos) {
				*excluded = true
				shared.AddTermination(TermEnterExclude)
				return
			}
		}
		for i, inc := range shared.Props.Include {
			if !includeHit[i] && inc.Contains(pos) {
				includeHit[i] = true
			}
		}

		s.Append(pos)
		if s.Len() >= shared.MaxPoints {
			shared.AddTermination(TermMaxLength)
			return
		}
		if term := method.Next(); term != TermContinue {
			shared.AddTermination(term)
			return
		}
	}
}

// missedInclude reports whether any configured include region was never
// intersected. Every include region must be traversed for acceptance.
func missedInclude(hit []bool) bool {
	for _, h := range hit {
		if !h {
			return true
		}
	}
	return false
}
