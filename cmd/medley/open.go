package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/config"
	"github.com/jacentio/medley/store"
)

// openStore opens the configured backend. The DynamoDB backend registers
// indexes passed via store.WithIndexes without backfilling them.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, opts ...store.Option) (store.DocumentStore, error) {
	opts = append([]store.Option{store.WithLogger(logger)}, opts...)
	switch cfg.Backend {
	case "badger":
		s, err := store.OpenBadger(store.BadgerConfig{
			Dir:      cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "dynamodb":
		client, err := dynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		return store.NewDynamo(client, dynamoConfig(cfg.DynamoDB), opts...), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func dynamoClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func dynamoConfig(cfg config.DynamoDBConfig) store.Config {
	return store.Config{
		ItemsTable:  cfg.ItemsTable,
		LookupTable: cfg.LookupTable,
		TypeIndex:   cfg.TypeIndex,
		WriteRate:   cfg.WriteRate,
		WriteBurst:  cfg.WriteBurst,
	}
}

func indexesFor(schemas entity.KeySchemas) []store.Index {
	var out []store.Index
	for _, fields := range schemas.IndexFields() {
		out = append(out, store.NewIndex(fields...))
	}
	return out
}
