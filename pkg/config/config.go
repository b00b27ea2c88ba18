// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fawa-io/quarantine/pkg/fwlog"
	"github.com/fawa-io/quarantine/pkg/verify"
)

const (
	BackendSidecar   = "sidecar"
	BackendDragonfly = "dragonfly"
)

type Config struct {
	Addr        string `mapstructure:"addr"`
	CertFile    string `mapstructure:"certFile"`
	KeyFile     string `mapstructure:"keyFile"`
	LogLevel    string `mapstructure:"logLevel"`
	MetricsAddr string `mapstructure:"metricsAddr"`

	Temp     TempConfig     `mapstructure:"temp"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Disks    DisksConfig    `mapstructure:"disks"`
}

type TempConfig struct {
	Dir           string        `mapstructure:"dir"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type UploadConfig struct {
	MaxChunks    int    `mapstructure:"maxChunks"`
	MaxChunkSize string `mapstructure:"maxChunkSize"`
}

type VerifyConfig struct {
	MaxSize        string   `mapstructure:"maxSize"`
	Extensions     []string `mapstructure:"extensions"`
	MimeTypes      []string `mapstructure:"mimeTypes"`
	Strict         bool     `mapstructure:"strict"`
	CacheSize      int      `mapstructure:"cacheSize"`
	HashCacheSize  int      `mapstructure:"hashCacheSize"`
	MaxImagePixels int64    `mapstructure:"maxImagePixels"`
}

type MetadataConfig struct {
	Backend       string `mapstructure:"backend"`
	DragonflyAddr string `mapstructure:"dragonflyAddr"`
}

type DisksConfig struct {
	Local LocalDiskConfig `mapstructure:"local"`
	Minio MinioDiskConfig `mapstructure:"minio"`
	S3    S3DiskConfig    `mapstructure:"s3"`
}

type LocalDiskConfig struct {
	Dir string `mapstructure:"dir"`
}

type MinioDiskConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	Bucket          string `mapstructure:"bucket"`
	UseSSL          bool   `mapstructure:"useSSL"`
}

type S3DiskConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

// MaxChunkSizeBytes parses upload.maxChunkSize.
func (c UploadConfig) MaxChunkSizeBytes() (int64, error) {
	return parseSize("upload.maxChunkSize", c.MaxChunkSize)
}

// Policy converts the verify section into a verification policy.
func (c VerifyConfig) Policy() (verify.Policy, error) {
	maxSize, err := parseSize("verify.maxSize", c.MaxSize)
	if err != nil {
		return verify.Policy{}, err
	}
	return verify.Policy{
		MaxSize:        maxSize,
		Extensions:     c.Extensions,
		MimeTypes:      c.MimeTypes,
		Strict:         c.Strict,
		MaxImagePixels: c.MaxImagePixels,
	}.Normalized(), nil
}

func parseSize(key, s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return int64(n), nil
}

func setDefaults(v *viper.Viper) {
	def := verify.DefaultPolicy()

	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("logLevel", "info")
	v.SetDefault("temp.dir", "./data/tmp")
	v.SetDefault("temp.ttl", 24*time.Hour)
	v.SetDefault("temp.sweepInterval", 10*time.Minute)
	v.SetDefault("upload.maxChunks", 10000)
	v.SetDefault("upload.maxChunkSize", "64MiB")
	v.SetDefault("verify.maxSize", humanize.IBytes(uint64(def.MaxSize)))
	v.SetDefault("verify.extensions", def.Extensions)
	v.SetDefault("verify.mimeTypes", def.MimeTypes)
	v.SetDefault("verify.strict", def.Strict)
	v.SetDefault("verify.cacheSize", verify.DefaultCacheSize)
	v.SetDefault("verify.hashCacheSize", verify.DefaultHashCacheSize)
	v.SetDefault("verify.maxImagePixels", def.MaxImagePixels)
	v.SetDefault("metadata.backend", BackendSidecar)
	v.SetDefault("disks.local.dir", "./data/files")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("the configuration cannot be decoded into the struct: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Temp.Dir == "" {
		return errors.New("temp.dir must be set")
	}
	if c.Temp.TTL <= 0 {
		return fmt.Errorf("temp.ttl must be positive, got %s", c.Temp.TTL)
	}
	if c.Temp.SweepInterval <= 0 {
		return fmt.Errorf("temp.sweepInterval must be positive, got %s", c.Temp.SweepInterval)
	}
	if _, err := fwlog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.Upload.MaxChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.Verify.Policy(); err != nil {
		return err
	}
	switch c.Metadata.Backend {
	case BackendSidecar:
	case BackendDragonfly:
		if c.Metadata.DragonflyAddr == "" {
			return errors.New("metadata.dragonflyAddr is required for the dragonfly backend")
		}
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}
	return nil
}

var (
	once sync.Once

	mu sync.RWMutex

	config    Config
	listeners []func(Config)
)

func InitConfig() error {
	var initErr error
	once.Do(func() {
		initErr = LoadAndWatch()
	})
	return initErr
}

func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return config
}

// OnChange registers fn to run with the new configuration after every
// successful reload.
func OnChange(fn func(Config)) {
	mu.Lock()
	defer mu.Unlock()
	listeners = append(listeners, fn)
}

func LoadAndWatch() error {
	pflag.String("addr", "", "List of HTTP service address (e.g., '127.0.0.1:9090')")
	pflag.String("certFile", "", "Path to the TLS certificate file.")
	pflag.String("keyFile", "", "Path to the TLS private key file.")
	pflag.String("logLevel", "", "Log level: debug, info, warn, error or fatal.")
	pflag.String("temp.dir", "", "Directory of the quarantined temp area.")
	pflag.String("metricsAddr", "", "Address serving /metrics; empty serves it on addr.")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind pflags: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/quarantine/")

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fwlog.Infof("Config file not found, using defaults and flags.")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	}

	cfg, err := Load(viper.GetViper())
	if err != nil {
		return err
	}
	mu.Lock()
	config = cfg
	mu.Unlock()

	viper.OnConfigChange(func(e fsnotify.Event) {
		fwlog.Infof("The config file has changed: %s. Reloading...", e.Name)
		reload(viper.GetViper())
	})
	viper.WatchConfig()

	return nil
}

// reload replaces the active configuration and notifies listeners. An
// invalid file keeps the previous configuration.
func reload(v *viper.Viper) {
	cfg, err := Load(v)
	if err != nil {
		fwlog.Errorf("Error reloading the configuration, keeping the previous one: %v", err)
		return
	}

	mu.Lock()
	config = cfg
	fns := append([]func(Config)(nil), listeners...)
	mu.Unlock()

	for _, fn := range fns {
		fn(cfg)
	}
	fwlog.Infof("The configuration has been successfully reloaded.")
}
