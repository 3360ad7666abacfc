// Package config loads the service configuration from defaults, an optional
// config file, environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// MiB and GiB are byte multiples used for the size settings.
	MiB = 1 << 20
	GiB = 1 << 30

	// MinPartSize is the smallest part S3 accepts for every part but the last.
	MinPartSize = 5 * MiB
	// MaxPartSize is the largest single part S3 accepts.
	MaxPartSize = 5 * GiB
	// MaxObjectSize is the largest object a multipart upload can produce.
	MaxObjectSize = 5 * 1024 * GiB
	// MaxParts is the largest part number S3 accepts.
	MaxParts = 10000

	// EnvPrefix prefixes every environment variable, e.g. VIDEOUPLOAD_UPLOAD_BUCKET.
	EnvPrefix = "VIDEOUPLOAD"
	// FileName is the config file name without extension.
	FileName = "videoupload"
)

// AWS holds the region and credentials used to build the S3 client.
type AWS struct {
	Region              string        `mapstructure:"region"`
	AccessKeyID         string        `mapstructure:"access_key_id"`
	SecretAccessKey     string        `mapstructure:"secret_access_key"`
	SessionToken        string        `mapstructure:"session_token"`
	Endpoint            string        `mapstructure:"endpoint"`
	PathStyle           bool          `mapstructure:"path_style"`
	RoleARN             string        `mapstructure:"role_arn"`
	RoleSessionDuration time.Duration `mapstructure:"role_session_duration"`
}

// Upload holds destination and sizing settings.
type Upload struct {
	Bucket            string        `mapstructure:"bucket"`
	PartSize          int64         `mapstructure:"part_size"`
	MaxObjectSize     int64         `mapstructure:"max_object_size"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	StagingDir        string        `mapstructure:"staging_dir"`
	MaxPartRetries    int           `mapstructure:"max_part_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

// Server holds HTTP listener settings.
type Server struct {
	Listen            string        `mapstructure:"listen"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownGrace is how long in-flight uploads may run after a
	// termination signal before they are cancelled and aborted.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Auth configures optional bearer-token verification of uploads.
type Auth struct {
	OIDCIssuer   string `mapstructure:"oidc_issuer"`
	OIDCClientID string `mapstructure:"oidc_client_id"`
	// TrustGateway accepts tokens already verified by an API Gateway JWT
	// authorizer and only reads their claims.
	TrustGateway bool `mapstructure:"trust_gateway"`
}

// Enabled reports whether uploads require a bearer token.
func (a Auth) Enabled() bool {
	return a.OIDCIssuer != "" || a.TrustGateway
}

// Log configures logging.
type Log struct {
	Level string `mapstructure:"level"`
}

// Sentry configures error reporting.
type Sentry struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// Config is the complete service configuration.
type Config struct {
	AWS    AWS    `mapstructure:"aws"`
	Upload Upload `mapstructure:"upload"`
	Server Server `mapstructure:"server"`
	Auth   Auth   `mapstructure:"auth"`
	Log    Log    `mapstructure:"log"`
	Sentry Sentry `mapstructure:"sentry"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-2")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.path_style", false)
	v.SetDefault("aws.role_arn", "")
	v.SetDefault("aws.role_session_duration", 15*time.Minute)

	v.SetDefault("upload.bucket", "efficient-content")
	v.SetDefault("upload.part_size", int64(MinPartSize))
	v.SetDefault("upload.max_object_size", int64(5*GiB))
	v.SetDefault("upload.key_prefix", "videos/")
	v.SetDefault("upload.allowed_extensions", []string{"mp4", "avi", "mov", "mkv"})
	v.SetDefault("upload.staging_dir", os.TempDir())
	v.SetDefault("upload.max_part_retries", 0)
	v.SetDefault("upload.retry_backoff", 500*time.Millisecond)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_grace", 30*time.Second)

	v.SetDefault("auth.oidc_issuer", "")
	v.SetDefault("auth.oidc_client_id", "")
	v.SetDefault("auth.trust_gateway", false)

	v.SetDefault("log.level", "info")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
}

// NewViper returns a viper instance with defaults, env binding and config
// file search paths set up. dir is searched first when non-empty.
func NewViper(dir string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName(FileName)
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.videoupload")
	v.AddConfigPath("/etc/videoupload/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result. A
// missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug().Msg("no config file found, using defaults and environment")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	exts := make([]string, 0, len(c.Upload.AllowedExtensions))
	for _, ext := range c.Upload.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	c.Upload.AllowedExtensions = exts

	if c.Upload.KeyPrefix != "" && !strings.HasSuffix(c.Upload.KeyPrefix, "/") {
		c.Upload.KeyPrefix += "/"
	}
}

// Validate checks the settings against the limits of the object store.
func (c *Config) Validate() error {
	var errs []error

	if c.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region must be set"))
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		errs = append(errs, errors.New("aws.access_key_id and aws.secret_access_key must be set together"))
	}
	if c.Upload.Bucket == "" {
		errs = append(errs, errors.New("upload.bucket must be set"))
	}
	if c.Upload.PartSize < MinPartSize || c.Upload.PartSize > MaxPartSize {
		errs = append(errs, fmt.Errorf("upload.part_size must be between %s and %s, got %s",
			humanize.IBytes(MinPartSize), humanize.IBytes(MaxPartSize), humanize.IBytes(uint64(max(c.Upload.PartSize, 0)))))
	}
	if c.Upload.MaxObjectSize <= 0 || c.Upload.MaxObjectSize > MaxObjectSize {
		errs = append(errs, fmt.Errorf("upload.max_object_size must be between 1 byte and %s", humanize.IBytes(MaxObjectSize)))
	} else if c.Upload.PartSize > 0 {
		if parts := (c.Upload.MaxObjectSize + c.Upload.PartSize - 1) / c.Upload.PartSize; parts > MaxParts {
			errs = append(errs, fmt.Errorf("upload.max_object_size %s needs %d parts of %s, more than the %d allowed",
				humanize.IBytes(uint64(c.Upload.MaxObjectSize)), parts, humanize.IBytes(uint64(c.Upload.PartSize)), MaxParts))
		}
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("upload.allowed_extensions must not be empty"))
	}
	if c.Upload.MaxPartRetries < 0 {
		errs = append(errs, errors.New("upload.max_part_retries must not be negative"))
	}
	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		errs = append(errs, errors.New("auth.oidc_client_id must be set when auth.oidc_issuer is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
