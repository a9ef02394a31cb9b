package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labos-labs/labos-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("LABOS_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("LABOS_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("LABOS_MINIO_ACCESS_KEY", "labos"),
		SecretKey:       env.String("LABOS_MINIO_SECRET_KEY", "labosminio"),
		Region:          env.String("LABOS_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("LABOS_MINIO_BUCKET_ARTIFACTS", "robot-artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
