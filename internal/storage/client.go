// Package storage builds authenticated S3 clients from explicit configuration.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
)

var (
	// ErrInvalidConfig means the client configuration is incomplete.
	ErrInvalidConfig = errors.New("invalid client configuration")
	// ErrInvalidCredentials means the static credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	// MinSessionDuration is the minimum duration for AWS STS AssumeRole (15 minutes)
	MinSessionDuration = 15 * time.Minute

	// MaxSessionDuration is the longest session most roles allow (12 hours)
	MaxSessionDuration = 12 * time.Hour
)

// ClientConfig holds everything needed to talk to the object store.
type ClientConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint  string
	PathStyle bool

	// RoleARN, when set, is assumed through STS on top of the base credentials.
	RoleARN             string
	RoleSessionDuration time.Duration
}

// NewClient returns an S3 client for cfg. It performs no network call: bad
// credentials only surface on first use. Malformed credentials are rejected
// here with ErrInvalidCredentials.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: region cannot be empty", ErrInvalidConfig)
	}
	if err := validateCredentials(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.RoleARN != "" {
		awsCfg.Credentials = assumeRoleCredentials(awsCfg, cfg.RoleARN, cfg.RoleSessionDuration)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// validateCredentials checks the shape of the static credential pair. Both
// empty means the SDK default chain (environment, shared config, instance
// role) is used.
func validateCredentials(cfg ClientConfig) error {
	if cfg.AccessKeyID == "" && cfg.SecretAccessKey == "" {
		if cfg.SessionToken != "" {
			return errors.New("session token given without an access key pair")
		}
		return nil
	}
	if cfg.AccessKeyID == "" {
		return errors.New("access key ID cannot be empty when a secret key is given")
	}
	if cfg.SecretAccessKey == "" {
		return errors.New("secret access key cannot be empty when an access key ID is given")
	}
	if strings.ContainsAny(cfg.AccessKeyID, " \t\r\n") || strings.ContainsAny(cfg.SecretAccessKey, " \t\r\n") {
		return errors.New("credentials must not contain whitespace")
	}
	return nil
}

// assumeRoleCredentials returns a cached provider that assumes roleARN with a
// session tag identifying this application. The AssumeRole call happens
// lazily on the first request that needs credentials.
func assumeRoleCredentials(awsCfg aws.Config, roleARN string, duration time.Duration) aws.CredentialsProvider {
	if duration < MinSessionDuration {
		duration = MinSessionDuration
	}
	if duration > MaxSessionDuration {
		duration = MaxSessionDuration
	}

	stsClient := sts.NewFromConfig(awsCfg)
	provider := stscreds.NewAssumeRoleProvider(stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
		// Create session name with a timestamp for uniqueness
		o.RoleSessionName = fmt.Sprintf("videoupload-session-%d", time.Now().Unix())
		o.Duration = duration
		o.Tags = []ststypes.Tag{
			{
				Key:   aws.String("application"),
				Value: aws.String("videoupload"),
			},
		}
	})
	return aws.NewCredentialsCache(provider)
}
