package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateTables creates the entity and index tables named in cfg and waits until
// both are active. The entity table streams old images for the stream package.
func CreateTables(ctx context.Context, client *dynamodb.Client, cfg Config) error {
	cfg.validate()

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(cfg.EntityTable),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
		},
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeOldImage,
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", cfg.EntityTable, err)
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(cfg.IndexTable),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", cfg.IndexTable, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	for _, table := range []string{cfg.EntityTable, cfg.IndexTable} {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table),
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", table, err)
		}
	}
	return nil
}

// DeleteTables deletes the entity and index tables named in cfg.
func DeleteTables(ctx context.Context, client *dynamodb.Client, cfg Config) error {
	cfg.validate()
	var errs []error
	for _, table := range []string{cfg.EntityTable, cfg.IndexTable} {
		if _, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(table),
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete table %s: %w", table, err))
		}
	}
	return errors.Join(errs...)
}
