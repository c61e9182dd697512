package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "Europe/Helsinki", cfg.Location().String())
	assert.Equal(t, 730*24*time.Hour, cfg.SearchHorizon())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.HierarchyRefreshInterval.Duration)
}

func TestLoad_OverridesOnlyGivenKeys(t *testing.T) {
	// GIVEN: a file that sets a few keys
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090

[engine]
fetch_timeout = "500ms"
stale_after = "0s"

[log]
level = "debug"
development = true
`), 0o600))

	// WHEN
	cfg, err := Load(path)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout.Duration, "default kept")
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.FetchTimeout.Duration)
	assert.Zero(t, cfg.Engine.StaleAfter.Duration)
	assert.Equal(t, "Europe/Helsinki", cfg.Engine.Timezone)

	logger, err := cfg.Log.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"unknown key", "[server]\nprot = 1", "unknown config key server.prot"},
		{"bad duration", "[engine]\nfetch_timeout = \"soon\"", "failed to parse config"},
		{"bad timezone", "[engine]\ntimezone = \"Mars/Olympus\"", "engine.timezone"},
		{"bad port", "[server]\nport = 70000", "server.port 70000 out of range"},
		{"bad level", "[log]\nlevel = \"loud\"", "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.toml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
