// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads baq's settings from a YAML file, BAQ_ environment
// variables, and command-line flags, in increasing order of precedence.
package config

import (
	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/mmp/baq/backup"
	"github.com/mmp/baq/block"
	"github.com/mmp/baq/keys"
	"github.com/mmp/baq/storage"
	"github.com/spf13/viper"
	"path/filepath"
	"strings"
	"time"
)

const (
	AppName   = "baq"
	EnvPrefix = "BAQ"
)

type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Backup  BackupConfig  `mapstructure:"backup"`
	Restore RestoreConfig `mapstructure:"restore"`
	Keys    KeysConfig    `mapstructure:"keys"`
}

type BackendConfig struct {
	// A local path or a file://, s3://, gs://, or sftp:// URL.
	Location string `mapstructure:"location"`
	// Write Reed-Solomon sidecars for objects in local repositories.
	Parity bool `mapstructure:"parity"`
	// Zero means unlimited.
	MaxUploadBytesPerSecond   int `mapstructure:"max_upload_bytes_per_second"`
	MaxDownloadBytesPerSecond int `mapstructure:"max_download_bytes_per_second"`

	Retries         int           `mapstructure:"retries"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`

	S3   S3Config   `mapstructure:"s3"`
	GCS  GCSConfig  `mapstructure:"gcs"`
	SFTP SFTPConfig `mapstructure:"sftp"`
}

type S3Config struct {
	Region           string `mapstructure:"region"`
	Endpoint         string `mapstructure:"endpoint"`
	PathStyle        bool   `mapstructure:"path_style"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	DataStorageClass string `mapstructure:"data_storage_class"`
}

type GCSConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	Location         string `mapstructure:"location"`
	CredentialsFile  string `mapstructure:"credentials_file"`
	DataStorageClass string `mapstructure:"data_storage_class"`
}

type SFTPConfig struct {
	KeyPath        string `mapstructure:"key_path"`
	KeyPassphrase  string `mapstructure:"key_passphrase"`
	Password       string `mapstructure:"password"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`
}

type BackupConfig struct {
	BlockSize        int      `mapstructure:"block_size"`
	Workers          int      `mapstructure:"workers"`
	Compression      string   `mapstructure:"compression"`
	CompressionLevel int      `mapstructure:"compression_level"`
	Encrypt          bool     `mapstructure:"encrypt"`
	Recipients       []string `mapstructure:"recipients"`
	MaxDataFileSize  int64    `mapstructure:"max_data_file_size"`
	SeedGenerations  int      `mapstructure:"seed_generations"`
	Exclude          []string `mapstructure:"exclude"`
	TempDir          string   `mapstructure:"temp_dir"`
}

type RestoreConfig struct {
	Workers int  `mapstructure:"workers"`
	Strict  bool `mapstructure:"strict"`
}

type KeysConfig struct {
	// AGE-SECRET-KEY-1... strings or paths to age identity files.
	Identities []string `mapstructure:"identities"`
	// If set, the given age binary is run to wrap and unwrap keys rather
	// than doing so in-process.
	AgeCommand string `mapstructure:"age_command"`
}

// New returns a Viper instance set up with baq's defaults, search paths,
// and environment variable mapping.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))

	// backend.location -> BAQ_BACKEND_LOCATION, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	retry := storage.DefaultRetryConfig()
	for k, d := range map[string]interface{}{
		"backend.location":                      "",
		"backend.parity":                        false,
		"backend.max_upload_bytes_per_second":   0,
		"backend.max_download_bytes_per_second": 0,
		"backend.retries":                       int(retry.MaxRetries),
		"backend.retry_max_elapsed":             retry.MaxElapsedTime,
		"backend.s3.region":                     "",
		"backend.s3.endpoint":                   "",
		"backend.s3.path_style":                 false,
		"backend.s3.access_key_id":              "",
		"backend.s3.secret_access_key":          "",
		"backend.s3.data_storage_class":         "",
		"backend.gcs.project_id":                "",
		"backend.gcs.location":                  "",
		"backend.gcs.credentials_file":          "",
		"backend.gcs.data_storage_class":        "",
		"backend.sftp.key_path":                 "",
		"backend.sftp.key_passphrase":           "",
		"backend.sftp.password":                 "",
		"backend.sftp.known_hosts_path":         "",
		"backup.block_size":                     block.DefaultBlockSize,
		"backup.workers":                        4,
		"backup.compression":                    "zstd",
		"backup.compression_level":              0,
		"backup.encrypt":                        true,
		"backup.recipients":                     []string{},
		"backup.max_data_file_size":             int64(block.DefaultMaxDataFileSize),
		"backup.seed_generations":               0,
		"backup.exclude":                        []string{},
		"backup.temp_dir":                       "",
		"restore.workers":                       4,
		"restore.strict":                        false,
		"keys.identities":                       []string{},
		"keys.age_command":                      "",
	} {
		v.SetDefault(k, d)
	}
	return v
}

// Load reads the configuration file into v and returns the resulting
// configuration. If path is empty, the default locations are searched and
// it's fine if there's no configuration file; otherwise the given file
// must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) || path != "" {
			return nil, errors.Wrapf(err, "reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Backup.BlockSize <= 0 {
		return errors.Newf("backup.block_size: %d: must be positive", c.Backup.BlockSize)
	}
	if c.Backup.Workers <= 0 || c.Restore.Workers <= 0 {
		return errors.New("workers: must be positive")
	}
	if c.Backup.MaxDataFileSize < int64(c.Backup.BlockSize) {
		return errors.Newf("backup.max_data_file_size: %d: must be at least the block size",
			c.Backup.MaxDataFileSize)
	}
	if _, err := block.ParseCodec(c.Backup.Compression); err != nil {
		return errors.Wrap(err, "backup.compression")
	}
	if c.Backend.Retries < 0 {
		return errors.New("backend.retries: must not be negative")
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Conversions

func (c *Config) StorageConfig() storage.Config {
	b := c.Backend
	retry := storage.DefaultRetryConfig()
	retry.MaxRetries = uint64(b.Retries)
	if b.RetryMaxElapsed > 0 {
		retry.MaxElapsedTime = b.RetryMaxElapsed
	}
	return storage.Config{
		Location: b.Location,
		Parity:   b.Parity,
		S3: storage.S3Options{
			Region:           b.S3.Region,
			Endpoint:         b.S3.Endpoint,
			PathStyle:        b.S3.PathStyle,
			AccessKeyID:      b.S3.AccessKeyID,
			SecretAccessKey:  b.S3.SecretAccessKey,
			DataStorageClass: b.S3.DataStorageClass,
		},
		GCS: storage.GCSOptions{
			ProjectId:        b.GCS.ProjectID,
			Location:         b.GCS.Location,
			CredentialsFile:  b.GCS.CredentialsFile,
			DataStorageClass: b.GCS.DataStorageClass,
		},
		SFTP: storage.SFTPOptions{
			KeyPath:        b.SFTP.KeyPath,
			KeyPassphrase:  b.SFTP.KeyPassphrase,
			Password:       b.SFTP.Password,
			KnownHostsPath: b.SFTP.KnownHostsPath,
		},
		MaxUploadBytesPerSecond:   b.MaxUploadBytesPerSecond,
		MaxDownloadBytesPerSecond: b.MaxDownloadBytesPerSecond,
		Retry:                     retry,
	}
}

// BackupOptions returns the options for backing up source.
func (c *Config) BackupOptions(source string) backup.Options {
	b := c.Backup
	return backup.Options{
		Source:           source,
		BlockSize:        b.BlockSize,
		Workers:          b.Workers,
		Compression:      b.Compression,
		CompressionLevel: b.CompressionLevel,
		Encrypt:          b.Encrypt,
		Recipients:       b.Recipients,
		MaxDataFileSize:  b.MaxDataFileSize,
		SeedGenerations:  b.SeedGenerations,
		Exclude:          b.Exclude,
		TempDir:          b.TempDir,
	}
}

func (c *Config) RestoreOptions(generation, destination string) backup.RestoreOptions {
	return backup.RestoreOptions{
		Generation:  generation,
		Identities:  c.Keys.Identities,
		Destination: destination,
		Workers:     c.Restore.Workers,
		Strict:      c.Restore.Strict,
	}
}

// Capability returns the means of wrapping and unwrapping keys.
func (c *Config) Capability() keys.Capability {
	if c.Keys.AgeCommand != "" {
		return keys.AgeCommand{Path: c.Keys.AgeCommand}
	}
	return keys.AgeCapability{}
}
