package rundb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndQueryRun(t *testing.T) {
	s := openTestStore(t)

	run := &Run{
		StartedUnixNanos: time.Now().Add(-time.Minute).UnixNano(),
		Source:           "dwi.json",
		Output:           "tracks.tck",
		Method:           "iFOD2",
		StepSizeMM:       0.625,
		Count:            5000,
		TotalCount:       6120,
	}
	terms := map[string]uint64{"exit_image": 4000, "bad_signal": 2000, "calibrate_fail": 120}
	rejects := map[string]uint64{"too_short": 900}

	id, err := s.InsertRun(run, terms, rejects)
	require.NoError(t, err)
	require.NotEmpty(t, id, "blank run must be assigned an ID")

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got := runs[0]
	assert.Equal(t, id, got.RunID)
	assert.Equal(t, "iFOD2", got.Method)
	assert.Equal(t, uint64(5000), got.Count)
	assert.Equal(t, uint64(6120), got.TotalCount)
	assert.Equal(t, 0.625, got.StepSizeMM)
	assert.NotZero(t, got.FinishedUnixNanos, "finish time must be defaulted")

	gotTerms, err := s.ReasonBreakdown(id, "termination")
	require.NoError(t, err)
	assert.Equal(t, terms, gotTerms)

	gotRejects, err := s.ReasonBreakdown(id, "rejection")
	require.NoError(t, err)
	assert.Equal(t, rejects, gotRejects)
}

func TestRecentRunsOrdering(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UnixNano()
	for i := 0; i < 3; i++ {
		_, err := s.InsertRun(&Run{
			StartedUnixNanos: base + int64(i),
			Source:           "dwi.json",
			Output:           "tracks.tck",
			Method:           "FACT",
		}, nil, nil)
		require.NoError(t, err)
	}

	runs, err := s.RecentRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2, "limit must apply")
	assert.Equal(t, base+2, runs[0].StartedUnixNanos, "newest first")
	assert.Greater(t, runs[0].StartedUnixNanos, runs[1].StartedUnixNanos)
}

func TestReasonKindConstraint(t *testing.T) {
	s := openTestStore(t)

	id, err := s.InsertRun(&Run{
		StartedUnixNanos: time.Now().UnixNano(),
		Source:           "dwi.json",
		Output:           "tracks.tck",
		Method:           "FACT",
	}, nil, nil)
	require.NoError(t, err)

	// Unknown kinds are rejected by the schema CHECK constraint.
	_, err = s.db.Exec(`
		INSERT INTO tracking_run_reasons (run_id, kind, reason, n)
		VALUES (?, 'bogus', 'x', 1)`, id)
	assert.Error(t, err)
}

func TestPreassignedRunID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.InsertRun(&Run{
		RunID:            "run-fixed-id",
		StartedUnixNanos: time.Now().UnixNano(),
		Source:           "dwi.json",
		Output:           "tracks.tck",
		Method:           "FACT",
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-fixed-id", id)
}
