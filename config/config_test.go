package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), opts)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	opts, err := Load("/nonexistent/path/truckdb.yaml")
	require.NoError(t, err)
	require.Equal(t, 50, opts.MaxLiveTrucks)
	require.Equal(t, 500*time.Millisecond, opts.FlushInterval)
}
