// Command keystone-stream is the Lambda function attached to the entity table
// stream. It removes the index rows of entities deleted outside the store.
//
// Table names are read from KEYSTONE_ENTITY_TABLE and KEYSTONE_INDEX_TABLE.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"github.com/jacentio/keystone/dynamo"
	"github.com/jacentio/keystone/stream"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "keystone-stream").Logger()

	cfg := dynamo.Config{
		EntityTable: os.Getenv("KEYSTONE_ENTITY_TABLE"),
		IndexTable:  os.Getenv("KEYSTONE_INDEX_TABLE"),
		Logger:      &logger,
	}
	conn, _, err := dynamo.Open(context.Background(), dynamo.OpenOptions{}, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open dynamodb")
	}

	handler := stream.NewHandler(conn, &logger)
	lambda.Start(handler.HandleRemove)
}
