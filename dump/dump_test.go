package dump

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mpi "github.com/LLNL/MACSio-sub000"
	"github.com/LLNL/MACSio-sub000/config"
	"github.com/LLNL/MACSio-sub000/pmpio"
	"github.com/LLNL/MACSio-sub000/yamlio"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Groups = 3
	cfg.Dumps = 2
	cfg.Parts = 2
	cfg.PartSize = 5
	return cfg
}

// runAll runs Run on every rank of a local world and returns each rank's
// report and error. Errors are not handed to the world, which would abort the
// ranks that are still running.
func runAll(t *testing.T, size int, cfg config.Config) ([]*Report, []error) {
	t.Helper()
	reports := make([]*Report, size)
	errs := make([]error, size)
	w := mpi.NewLocalWorld(size)
	w.Run(context.Background(), func(ctx context.Context, c *mpi.Local) error {
		reports[c.Rank()], errs[c.Rank()] = Run(ctx, cfg, c, quietLog())
		return nil
	})
	return reports, errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func TestRunWritesAndReadsBack(t *testing.T) {
	const size = 7
	cfg := testConfig(t)
	reports, errs := runAll(t, size, cfg)
	requireNoErrors(t, errs)

	root := reports[0]
	require.Len(t, root.Dumps, 2)
	for d, dr := range root.Dumps {
		assert.Equal(t, d, dr.Dump)
		assert.Equal(t, 3, dr.Files)
		assert.Empty(t, dr.Failed)
		assert.GreaterOrEqual(t, dr.WriteHold.Max, dr.WriteHold.Min)
	}
	for r := 1; r < size; r++ {
		assert.Equal(t, root.RunID, reports[r].RunID)
		assert.Empty(t, reports[r].Dumps)
	}

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	// three group files and one index per dump
	assert.Len(t, entries, 8)

	idx, err := ReadIndex(filepath.Join(cfg.Dir, RootName(cfg.Base, 1)))
	require.NoError(t, err)
	assert.Equal(t, root.RunID, idx.RunID)
	e, ok := idx.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, FileName(cfg.Base, pmpio.GroupRank(size, 3, 5), 1), e.File)

	lib := &yamlio.Lib{Dir: cfg.Dir}
	h, err := lib.Open(e.File, e.Namespace, pmpio.Read, nil)
	require.NoError(t, err)
	defer lib.Close(h, nil)
	secs := h.(*yamlio.File).Sections()
	require.Len(t, secs, 1)
	assert.Equal(t, 5, secs[0].Rank)
	assert.Equal(t, Parts(cfg, 5, 1), secs[0].Parts)
}

func TestRunReadDirection(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadBack = false
	_, errs := runAll(t, 5, cfg)
	requireNoErrors(t, errs)

	cfg.Direction = "read"
	reports, errs := runAll(t, 5, cfg)
	requireNoErrors(t, errs)
	assert.Len(t, reports[0].Dumps, 2)
}

func TestRunDetectsMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dumps = 1
	cfg.ReadBack = false
	_, errs := runAll(t, 4, cfg)
	requireNoErrors(t, errs)

	cfg.Direction = "read"
	cfg.Seed++
	reports, errs := runAll(t, 4, cfg)
	// heads see the bad data, the rest of each group only the failed baton
	assert.ErrorIs(t, errs[0], ErrVerify)
	assert.ErrorIs(t, errs[1], pmpio.ErrUpstreamFailed)
	for r, err := range errs {
		assert.Error(t, err, "rank %d", r)
		assert.False(t, Fatal(err), "rank %d kept participating", r)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, reports[0].Dumps[0].Failed)
}

func TestRunFilePerRank(t *testing.T) {
	cfg := testConfig(t)
	cfg.Groups = 0
	cfg.Dumps = 1
	reports, errs := runAll(t, 4, cfg)
	requireNoErrors(t, errs)
	assert.Equal(t, 4, reports[0].Dumps[0].Files)
}

func TestRunRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Groups = 5
	w := mpi.NewLocalWorld(4)
	_, err := Run(context.Background(), cfg, w.Comm(0), quietLog())
	assert.Error(t, err)
	assert.True(t, Fatal(err))
	assert.False(t, Fatal(nil))
}

func TestPartsDeterministic(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, Parts(cfg, 3, 1), Parts(cfg, 3, 1))
	assert.NotEqual(t, Parts(cfg, 3, 1), Parts(cfg, 4, 1))
	assert.NotEqual(t, Parts(cfg, 3, 1), Parts(cfg, 3, 0))
	p := Parts(cfg, 3, 1)
	require.Len(t, p, 2)
	assert.Equal(t, 6, p[0].ID)
	assert.Equal(t, 7, p[1].ID)
	assert.Len(t, p[1].Values, 5)
}

func TestBuildIndex(t *testing.T) {
	idx := BuildIndex("m", "id", 10, 3, 4)
	require.Len(t, idx.Entries, 10)
	want := []int{0, 0, 0, 0, 1, 1, 1, 2, 2, 2}
	for r, g := range want {
		assert.Equal(t, g, idx.Entries[r].Group)
		assert.Equal(t, FileName("m", g, 4), idx.Entries[r].File)
	}
	assert.Equal(t, 2, idx.Entries[6].Position)
	assert.Equal(t, "domain_000006", idx.Entries[6].Namespace)
	_, ok := idx.Lookup(10)
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	s := summarize([]float64{1, 2, 3})
	assert.InDelta(t, 2, s.Mean, 1e-12)
	assert.InDelta(t, 1, s.StdDev, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)

	s = summarize([]float64{4})
	assert.Equal(t, Stats{Mean: 4, Min: 4, Max: 4}, s)
	assert.Equal(t, Stats{}, summarize(nil))
}
