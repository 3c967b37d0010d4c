package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Timezones resolve from the embedded database when the system has
// none.
func TestTimezoneWithoutZoneinfo(t *testing.T) {
	t.Setenv("ZONEINFO", filepath.Join(t.TempDir(), "missing.zip"))

	loc, err := time.LoadLocation("America/Vancouver")
	require.NoError(t, err)
	assert.Equal(t, "America/Vancouver", loc.String())
}

func TestCommands(t *testing.T) {
	names := []string{}
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, name := range []string{"init-db", "check", "load-static", "distances", "collect", "delays", "manifest-diff", "run"} {
		assert.Contains(t, names, name)
	}

	flag := runCmd.Flags().Lookup("interval")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}
