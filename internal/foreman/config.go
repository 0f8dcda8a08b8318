package foreman

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/objectstore"
)

type Config struct {
	// ExternalURL where foreman is hosted, e.g. "https://ci.example.com". Runners clone from
	// and report to this URL.
	ExternalURL string

	// Address serve on, e.g. ":443" or ":80".
	//
	// Disabled if an empty string.
	Address string

	// Secret used for basic auth on the admin API (any user name).
	Secret string `toml:",omitempty"`

	// RegistrationToken registers instance-wide runners.
	RegistrationToken string `toml:",omitempty"`

	// DataDir holds the database, traces and locally stored artifacts. Defaults to the
	// directory of the executable.
	DataDir string `toml:",omitempty"`

	// Directory for caching LetsEncrypt certificates
	LetsEncryptCacheDir string `toml:",omitempty"`

	// Email to use when registering with LetsEncrypt
	LetsEncryptEmail string `toml:",omitempty"`

	// DefaultBuildTimeout of new projects, in seconds. Defaults to 3600.
	DefaultBuildTimeout int `toml:",omitempty"`

	// MaxArtifactsSize is the instance-wide artifact size limit in megabytes. Unlimited when
	// unset. Namespaces and projects may override it.
	MaxArtifactsSize *int64 `toml:",omitempty"`

	// DefaultArtifactsExpireIn applies to artifacts uploaded without expire_in, e.g. "30 days".
	// "0" or blank means never.
	DefaultArtifactsExpireIn string `toml:",omitempty"`

	// DisableTraceUpdateInterval omits the X-GitLab-Trace-Update-Interval header.
	DisableTraceUpdateInterval bool `toml:",omitempty"`

	// HeartbeatThreshold is how old a running job's updated_at must be before a heartbeat
	// writes it again. Defaults to "20m".
	HeartbeatThreshold string `toml:",omitempty"`

	// MaxTraceSize in bytes. Jobs whose trace grows past it are dropped. Unlimited when 0.
	MaxTraceSize int64 `toml:",omitempty"`

	// WorkhorseSecret verifies the signed request header of the upload proxy. Only the marker
	// header is required when empty.
	WorkhorseSecret string `toml:",omitempty"`

	Registry    RegistryConfig    `toml:",omitempty"`
	ObjectStore ObjectStoreConfig `toml:",omitempty"`

	Housekeeping HousekeepingConfig `toml:",omitempty"`

	// Runner enables runner mode when Runner.URL is set.
	Runner RunnerConfig `toml:",omitempty"`
}

type RegistryConfig struct {
	Enabled bool
	URL     string
}

type ObjectStoreConfig struct {
	Enabled bool

	// DirectUpload hands presigned URLs to the upload proxy at authorize time.
	DirectUpload bool

	// ProxyDownload streams downloads through the upload proxy instead of redirecting.
	ProxyDownload bool

	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Multipart presigns multipart uploads of PartSize bytes (default 100MB).
	Multipart bool
	PartSize  int64 `toml:",omitempty"`
}

func (c ObjectStoreConfig) objectstore() objectstore.Config {
	return objectstore.Config{
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		Bucket:    c.Bucket,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		UseSSL:    c.UseSSL,
	}
}

type HousekeepingConfig struct {
	// ExpiredArtifacts cron spec, default "@every 1h".
	ExpiredArtifacts string `toml:",omitempty"`

	// StuckJobs cron spec, default "@every 5m".
	StuckJobs string `toml:",omitempty"`

	// StuckPendingTimeout drops jobs pending for longer, default "24h".
	StuckPendingTimeout string `toml:",omitempty"`

	// StuckRunningTimeout drops running jobs without updates for longer, default "1h".
	StuckRunningTimeout string `toml:",omitempty"`
}

type RunnerConfig struct {
	// URL of the foreman server to take jobs from.
	URL string

	// RegistrationToken is used to register when Token is empty. The obtained token is written
	// back to the config file.
	RegistrationToken string `toml:",omitempty"`
	Token             string `toml:",omitempty"`

	Description string   `toml:",omitempty"`
	Tags        []string `toml:",omitempty"`
	RunUntagged bool     `toml:",omitempty"`

	// BuildsDir is where job working directories are created. Defaults to DataDir/builds.
	BuildsDir string `toml:",omitempty"`

	// PollInterval between job requests, e.g. "3s".
	PollInterval string `toml:",omitempty"`
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) heartbeatThreshold() time.Duration {
	return durationOr(c.HeartbeatThreshold, 20*time.Minute)
}

func (c *Config) buildTimeout() int {
	if c.DefaultBuildTimeout > 0 {
		return c.DefaultBuildTimeout
	}
	return 3600
}

func (c *Config) dataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "Executable")
	}
	return filepath.Dir(exe), nil
}

// LogFilePath is where the running service appends its log.
func (c *Config) LogFilePath() string {
	dir, err := c.dataDir()
	if err != nil {
		return "foreman.log"
	}
	return filepath.Join(dir, "foreman.log")
}

// Validate reports configuration mistakes that would only surface at request time.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"HeartbeatThreshold":               c.HeartbeatThreshold,
		"Runner.PollInterval":              c.Runner.PollInterval,
		"Housekeeping.StuckPendingTimeout": c.Housekeeping.StuckPendingTimeout,
		"Housekeeping.StuckRunningTimeout": c.Housekeeping.StuckRunningTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return errors.Wrapf(err, "Config.%s", name)
		}
	}
	if c.ObjectStore.Enabled && (c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "") {
		return errors.New("Config.ObjectStore requires Endpoint and Bucket when enabled")
	}
	return nil
}

func LoadConfig(file string, out *Config) error {
	_, err := toml.DecodeFile(file, out)
	if err != nil {
		return errors.Wrap(err, "DecodeFile")
	}
	return out.Validate()
}

func (c *Config) WriteTo(file string) error {
	if err := os.MkdirAll(filepath.Dir(file), os.ModePerm); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, "Create")
	}
	defer f.Close()
	return errors.Wrap(toml.NewEncoder(f).Encode(c), "Encode")
}
