package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TableAdmin is the subset of the DynamoDB client used to provision tables.
type TableAdmin interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// TableInputs returns the CreateTable requests for the layout in config:
// the items table with its type GSI and a change stream, and the lookup
// table.
func TableInputs(config Config) []*dynamodb.CreateTableInput {
	config.validate()
	return []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(config.ItemsTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(FieldID), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(FieldID), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(FieldType), AttributeType: types.ScalarAttributeTypeS},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String(config.TypeIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String(FieldType), KeyType: types.KeyTypeHash},
						{AttributeName: aws.String(FieldID), KeyType: types.KeyTypeRange},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
			StreamSpecification: &types.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: types.StreamViewTypeNewAndOldImages,
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(config.LookupTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrLookupPK), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrLookupID), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(attrLookupPK), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(attrLookupID), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
}

// CreateTables provisions the tables for config, skipping tables that
// already exist, and waits up to wait for them to become active.
func CreateTables(ctx context.Context, client TableAdmin, config Config, wait time.Duration) error {
	inputs := TableInputs(config)
	for _, in := range inputs {
		_, err := client.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", aws.ToString(in.TableName), err)
		}
	}
	if wait <= 0 {
		return nil
	}
	waiter := dynamodb.NewTableExistsWaiter(client)
	for _, in := range inputs {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: in.TableName}, wait); err != nil {
			return fmt.Errorf("wait for table %s: %w", aws.ToString(in.TableName), err)
		}
	}
	return nil
}
