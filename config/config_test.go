// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdir moves to an empty directory so that a config.yaml in the
// working directory isn't picked up.
func chdir(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestDefaults(t *testing.T) {
	chdir(t)
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, block.DefaultBlockSize, cfg.Backup.BlockSize)
	assert.Equal(t, "zstd", cfg.Backup.Compression)
	assert.True(t, cfg.Backup.Encrypt)
	assert.Equal(t, 4, cfg.Restore.Workers)
	assert.Equal(t, keys.AgeCapability{}, cfg.Capability())

	sc := cfg.StorageConfig()
	assert.EqualValues(t, 5, sc.Retry.MaxRetries)
	assert.Equal(t, 5*time.Minute, sc.Retry.MaxElapsedTime)
}

func TestConfigFile(t *testing.T) {
	chdir(t)
	path := filepath.Join(t.TempDir(), "baq.yaml")
	content := `
backend:
  location: s3://bucket/prefix
  s3:
    region: us-west-2
    path_style: true
backup:
  block_size: 65536
  recipients:
    - age1first
    - age1second
  exclude: [".cache"]
keys:
  age_command: /usr/local/bin/age
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/prefix", cfg.Backend.Location)
	assert.Equal(t, 65536, cfg.Backup.BlockSize)
	assert.Equal(t, []string{"age1first", "age1second"}, cfg.Backup.Recipients)
	assert.Equal(t, keys.AgeCommand{Path: "/usr/local/bin/age"}, cfg.Capability())

	sc := cfg.StorageConfig()
	assert.Equal(t, "us-west-2", sc.S3.Region)
	assert.True(t, sc.S3.PathStyle)

	opts := cfg.BackupOptions("/home")
	assert.Equal(t, "/home", opts.Source)
	assert.Equal(t, []string{".cache"}, opts.Exclude)
	assert.Equal(t, 65536, opts.BlockSize)
}

func TestEnvironment(t *testing.T) {
	chdir(t)
	t.Setenv("BAQ_BACKEND_LOCATION", "/srv/backups")
	t.Setenv("BAQ_BACKUP_WORKERS", "16")
	t.Setenv("BAQ_BACKUP_ENCRYPT", "false")
	t.Setenv("BAQ_BACKEND_RETRY_MAX_ELAPSED", "90s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", cfg.Backend.Location)
	assert.Equal(t, 16, cfg.Backup.Workers)
	assert.False(t, cfg.Backup.Encrypt)
	assert.Equal(t, 90*time.Second, cfg.StorageConfig().Retry.MaxElapsedTime)
}

func TestInvalid(t *testing.T) {
	chdir(t)
	_, err := Load(New(), "/non/existent/config.yaml")
	assert.Error(t, err)

	for _, content := range []string{
		"backup:\n  compression: lz4\n",
		"backup:\n  block_size: 0\n",
		"backup:\n  block_size: 4096\n  max_data_file_size: 100\n",
		"restore:\n  workers: -1\n",
	} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		_, err := Load(New(), path)
		assert.Error(t, err, content)
	}
}
