package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
)

// Config holds configuration for the DynamoDB connection.
type Config struct {
	// EntityTable is the name of the entity table (hash key "pk").
	// Default: "keystone_entities"
	EntityTable string

	// IndexTable is the name of the property index table (hash key "pk", range key "sk").
	// Default: "keystone_index"
	IndexTable string

	// MaxTransactItems caps the number of items in one TransactWriteItems call.
	// Every mutation uses one item for the entity plus one per changed index row.
	// Default: 100 (the DynamoDB limit)
	MaxTransactItems int

	// Logger receives debug events for every DynamoDB call.
	// Default: disabled
	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	nop := zerolog.Nop()
	return Config{
		EntityTable:      "keystone_entities",
		IndexTable:       "keystone_index",
		MaxTransactItems: 100,
		Logger:           &nop,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.EntityTable == "" {
		c.EntityTable = "keystone_entities"
	}
	if c.IndexTable == "" {
		c.IndexTable = "keystone_index"
	}
	if c.MaxTransactItems < 1 || c.MaxTransactItems > 100 {
		c.MaxTransactItems = 100
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// OpenOptions selects the AWS credentials and endpoint used by Open.
type OpenOptions struct {
	// Profile is the shared config profile. Empty uses the default chain.
	Profile string

	// Region overrides the profile region.
	Region string

	// Endpoint overrides the DynamoDB endpoint, e.g. "http://localhost:8000" for
	// DynamoDB Local.
	Endpoint string
}

// Open loads the AWS shared configuration and returns a connection using it.
func Open(ctx context.Context, opts OpenOptions, cfg Config) (*Conn, *dynamodb.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return New(client, cfg), client, nil
}
