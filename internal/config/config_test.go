package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: 9090
database:
  driver: postgres
  host: db
  user: comply
  password: s3cret
  name: compliance
checker:
  binary: /usr/local/bin/checker
  timeout: 90m
  callbackBase: http://api:9090
auth:
  apiKeys:
    acme: key-acme
catalogPath: /etc/compliance/catalog.yaml
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileWithDefaults(t *testing.T) {
	r := require.New(t)
	cfg, err := Load(writeConfig(t, sample))
	r.NoError(err)

	r.Equal(9090, cfg.Server.Port)
	r.Equal(5432, cfg.Database.Port)
	r.Equal(90*time.Minute, cfg.Checker.Timeout)
	r.Equal("inprocess", cfg.Dispatcher.Kind)
	r.Equal(64, cfg.Dispatcher.Workers)
	r.Equal("@every 10m", cfg.Reaper.Schedule)
	r.Equal(2*time.Hour, cfg.Reaper.Threshold)
	r.Equal(2*time.Second, cfg.Stream.PollInterval)
	r.Equal(map[string]string{"acme": "key-acme"}, cfg.Auth.APIKeys)
	r.Equal("postgres://comply:s3cret@db:5432/compliance?sslmode=disable", cfg.DSN())
}

func TestEnvOverridesFile(t *testing.T) {
	r := require.New(t)
	t.Setenv("COMPLY_SERVER_PORT", "7070")
	t.Setenv("COMPLY_DATABASE_DRIVER", "mysql")
	t.Setenv("COMPLY_DATABASE_PORT", "3307")
	t.Setenv("COMPLY_REAPER_THRESHOLD", "30m")
	t.Setenv("COMPLY_AUTH_API_KEYS", "acme:k1,globex:k2")

	cfg, err := Load(writeConfig(t, sample))
	r.NoError(err)
	r.Equal(7070, cfg.Server.Port)
	r.Equal(30*time.Minute, cfg.Reaper.Threshold)
	r.Equal(map[string]string{"acme": "k1", "globex": "k2"}, cfg.Auth.APIKeys)
	r.Equal("comply:s3cret@tcp(db:3307)/compliance?parseTime=true&charset=utf8mb4&loc=UTC", cfg.DSN())
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	r := require.New(t)
	t.Setenv("COMPLY_DATABASE_DRIVER", "sqlite")
	t.Setenv("COMPLY_DATABASE_PATH", "/tmp/c.db")
	t.Setenv("COMPLY_CHECKER_BINARY", "checker")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	r.NoError(err)
	r.Equal("/tmp/c.db", cfg.DSN())
	r.Equal(8080, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	r := require.New(t)

	_, err := Load(writeConfig(t, "database:\n  driver: oracle\nchecker:\n  binary: x\n"))
	r.Error(err)
	r.Contains(err.Error(), "Driver")

	_, err = Load(writeConfig(t, "checker:\n  binary: x\ndispatcher:\n  kind: kafka\n"))
	r.Error(err)

	_, err = Load(writeConfig(t, "server: [nope"))
	r.Error(err)
}
