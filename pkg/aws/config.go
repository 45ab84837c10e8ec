package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Options selects the region and, for LocalStack, a single endpoint that all
// service clients should target.
type Options struct {
	Region   string
	Endpoint string
}

// LoadAWSConfig loads the default credential chain. When opts.Endpoint is set
// every SDK client built from the returned config talks to that URL instead of
// AWS.
func LoadAWSConfig(ctx context.Context, opts Options) (sdkaws.Config, error) {
	var loaders []func(*config.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load aws config: %w", err)
	}

	if opts.Endpoint != "" {
		cfg.BaseEndpoint = sdkaws.String(opts.Endpoint)
	}
	return cfg, nil
}
