// Package config loads the agent's settings from a TOML file with
// environment overrides.
package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
)

// Environment overrides.
const (
	EnvThingName  = "OTA_THING_NAME"
	EnvRedisURL   = "OTA_REDIS_URL"
	EnvLogLevel   = "OTA_LOG_LEVEL"
	EnvImageDir   = "OTA_IMAGE_DIR"
	EnvStateDir   = "OTA_STATE_DIR"
	EnvCertDir    = "OTA_CERT_DIR"
	EnvAppVersion = "OTA_APP_VERSION"
)

type Config struct {
	ThingName  string `toml:"thing_name"`
	RedisURL   string `toml:"redis_url"`
	LogLevel   string `toml:"log_level"`
	AppVersion string `toml:"app_version"`
	// CheckSchedule is a cron spec for periodic update checks, empty to
	// disable them.
	CheckSchedule string `toml:"check_schedule"`
	// Protocols lists the data protocols to use, most preferred first.
	Protocols []string `toml:"protocols"`

	Paths    Paths    `toml:"paths"`
	Transfer Transfer `toml:"transfer"`
	Queue    Queue    `toml:"queue"`
	S3       S3       `toml:"s3"`
}

type Paths struct {
	ImageDir      string `toml:"image_dir"`
	StateDir      string `toml:"state_dir"`
	CertDir       string `toml:"cert_dir"`
	SystemdSocket string `toml:"systemd_socket"`
}

type Transfer struct {
	BlockSize           uint32 `toml:"block_size"`
	MaxBlocksPerRequest uint32 `toml:"max_blocks_per_request"`
	MaxRequestMomentum  uint32 `toml:"max_request_momentum"`
	// MaxFileBlocks sizes the completion bitmap, bounding the file size.
	MaxFileBlocks     uint32 `toml:"max_file_blocks"`
	RequestTimeoutMS  uint32 `toml:"request_timeout_ms"`
	SelfTestTimeoutMS uint32 `toml:"self_test_timeout_ms"`
	// StatusFrequency is the number of blocks between progress reports.
	StatusFrequency uint32 `toml:"status_frequency"`
}

type Queue struct {
	Depth      int `toml:"depth"`
	Buffers    int `toml:"buffers"`
	BufferSize int `toml:"buffer_size"`
}

type S3 struct {
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		AppVersion:    "0.0.1",
		CheckSchedule: "@every 30m",
		Protocols:     []string{"MQTT", "HTTP"},
		Paths: Paths{
			ImageDir:      "/var/lib/otaagent/images",
			StateDir:      "/var/lib/otaagent",
			CertDir:       "/etc/otaagent/certs",
			SystemdSocket: "/run/systemd/private",
		},
		Transfer: Transfer{
			BlockSize:           4096,
			MaxBlocksPerRequest: 32,
			MaxRequestMomentum:  32,
			MaxFileBlocks:       1 << 16,
			RequestTimeoutMS:    10000,
			SelfTestTimeoutMS:   16000,
			StatusFrequency:     64,
		},
		Queue: Queue{
			Depth:      48,
			Buffers:    40,
			BufferSize: 4096 + 1024,
		},
	}
}

// Load reads path, then envFile, then the process environment, later
// sources overriding earlier ones. Either path may be empty; a missing
// envFile is ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "load env file %s", envFile)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		EnvThingName:  &c.ThingName,
		EnvRedisURL:   &c.RedisURL,
		EnvLogLevel:   &c.LogLevel,
		EnvImageDir:   &c.Paths.ImageDir,
		EnvStateDir:   &c.Paths.StateDir,
		EnvCertDir:    &c.Paths.CertDir,
		EnvAppVersion: &c.AppVersion,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

func (c *Config) Validate() error {
	t := c.Transfer
	switch {
	case c.ThingName == "":
		return errors.New("thing_name must be provided for the agent to manage")
	case t.BlockSize == 0 || t.BlockSize&(t.BlockSize-1) != 0:
		return errors.Errorf("block_size %d must be a power of two", t.BlockSize)
	case t.MaxBlocksPerRequest == 0:
		return errors.New("max_blocks_per_request must be positive")
	case t.MaxFileBlocks == 0:
		return errors.New("max_file_blocks must be positive")
	case t.RequestTimeoutMS == 0 || t.SelfTestTimeoutMS == 0:
		return errors.New("timeouts must be positive")
	case c.Queue.Depth <= 0 || c.Queue.Buffers <= 0:
		return errors.New("queue depth and buffers must be positive")
	case c.Queue.BufferSize < int(t.BlockSize):
		return errors.Errorf("buffer_size %d cannot hold a %d byte block", c.Queue.BufferSize, t.BlockSize)
	case int(t.MaxBlocksPerRequest) > c.Queue.Buffers:
		return errors.Errorf("max_blocks_per_request %d exceeds the %d queue buffers", t.MaxBlocksPerRequest, c.Queue.Buffers)
	case int(t.MaxBlocksPerRequest) >= c.Queue.Depth:
		return errors.Errorf("queue depth %d leaves no room beyond a %d block round", c.Queue.Depth, t.MaxBlocksPerRequest)
	}
	if _, err := c.Version(); err != nil {
		return err
	}
	if _, err := c.DataProtocols(); err != nil {
		return err
	}
	return nil
}

// Version is the running firmware version.
func (c *Config) Version() (imagestate.Version, error) {
	v, err := imagestate.ParseVersion(c.AppVersion)
	return v, errors.WithMessage(err, "app_version")
}

// DataProtocols maps Protocols.
func (c *Config) DataProtocols() ([]file.Protocol, error) {
	if len(c.Protocols) == 0 {
		return nil, errors.New("at least one protocol is required")
	}
	out := make([]file.Protocol, 0, len(c.Protocols))
	for _, p := range c.Protocols {
		proto := file.ParseProtocol(p)
		if proto == file.ProtocolUnknown {
			return nil, errors.Errorf("unknown protocol %q", p)
		}
		out = append(out, proto)
	}
	return out, nil
}

func (t Transfer) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutMS) * time.Millisecond
}

func (t Transfer) SelfTestTimeout() time.Duration {
	return time.Duration(t.SelfTestTimeoutMS) * time.Millisecond
}
