package gtfs_test

// Helpers for tests.
//
// Most tests in this package run against the in-memory and sqlite
// backends. If testutil.PostgresConnStr is set, they'll also run
// against postgres.

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"transitdelay.dev/gtfs"
	"transitdelay.dev/gtfs/storage"
	"transitdelay.dev/gtfs/testutil"
)

// Loads files as the stored schedule.
func loadSchedule(t testing.TB, s storage.Storage, files map[string][]string) {
	dir := testutil.WriteSnapshot(t, filepath.Join(t.TempDir(), "snapshot"), files)

	loader := gtfs.NewStaticLoader(s, nil, nil)
	_, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)
}

func buildIndex(t testing.TB, s storage.Storage) *gtfs.ScheduleIndex {
	reader, err := s.GetReader()
	require.NoError(t, err)
	index, err := gtfs.BuildScheduleIndex(reader)
	require.NoError(t, err)
	return index
}

func vancouver(t testing.TB) *time.Location {
	loc, err := time.LoadLocation("America/Vancouver")
	require.NoError(t, err)
	return loc
}

func forEachBackend(t *testing.T, test func(t *testing.T, s storage.Storage)) {
	for _, backend := range testutil.Backends() {
		t.Run(backend, func(t *testing.T) {
			test(t, testutil.BuildStorage(t, backend))
		})
	}
}
