package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadClient_Defaults(t *testing.T) {
	c, err := LoadClient(viper.New(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/api", c.APIURL)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 8, c.MaxRetries)
	assert.Equal(t, 10*time.Second, c.CallTimeout)
	assert.Equal(t, filepath.Join(c.DataDir, "logs", "habitsync.log"), c.LogFile)
	assert.Equal(t, filepath.Join(c.DataDir, "habitsync.db"), c.DBPath())
}

func TestLoadClient_Precedence(t *testing.T) {
	path := writeConfig(t, `{"api_url": "https://file.example/api", "workers": 2, "call_timeout": "3s", "log_level": "debug"}`)
	t.Setenv("HABITSYNC_WORKERS", "6")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("api-url", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level", "warn"}))

	c, err := LoadClient(viper.New(), path, flags)
	require.NoError(t, err)

	assert.Equal(t, "https://file.example/api", c.APIURL, "unset flags do not override the file")
	assert.Equal(t, 3*time.Second, c.CallTimeout)
	assert.Equal(t, 6, c.Workers, "environment overrides the file")
	assert.Equal(t, "warn", c.LogLevel, "flags override everything")
}

func TestLoadClient_ConfigFromEnv(t *testing.T) {
	path := writeConfig(t, `{"owner_id": "user-9"}`)
	t.Setenv("HABITSYNC_CONFIG", path)

	c, err := LoadClient(viper.New(), "ignored.json", nil)
	require.NoError(t, err)
	assert.Equal(t, "user-9", c.OwnerID)
}

func TestLoadClient_MissingFileIsIgnored(t *testing.T) {
	_, err := LoadClient(viper.New(), filepath.Join(t.TempDir(), "absent.json"), nil)
	assert.NoError(t, err)
}

func TestLoadClient_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"workers":`},
		{name: "zero workers", body: `{"workers": 0}`},
		{name: "zero retries", body: `{"max_retries": 0}`},
		{name: "empty api url", body: `{"api_url": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadClient(viper.New(), writeConfig(t, tt.body), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadServer(t *testing.T) {
	t.Setenv("HABITSYNC_DATABASE_DSN", "postgres://localhost/habits")
	s, err := LoadServer(viper.New(), writeConfig(t, `{"address": ":9090", "tombstone_retention": "48h"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", s.Address)
	assert.Equal(t, "postgres://localhost/habits", s.DatabaseDSN)
	assert.Equal(t, 48*time.Hour, s.TombstoneRetention)
	assert.Equal(t, time.Hour, s.CleanupInterval)

	_, err = LoadServer(viper.New(), writeConfig(t, `{"tls_cert": "server.crt"}`), nil)
	assert.Error(t, err)
}
