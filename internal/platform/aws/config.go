// Package aws wires the AWS SDK clients the engine publishes through.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// DefaultRegion is used when no region is configured
const DefaultRegion = "us-east-1"

// Config holds AWS configuration
type Config struct {
	Region string
}

// LoadAWSConfig loads SDK configuration through the default credential chain
// (environment, shared credentials file, IAM role).
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	return config.LoadDefaultConfig(ctx, config.WithRegion(region))
}
