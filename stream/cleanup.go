// Package stream provides a DynamoDB Streams handler that keeps the property
// index consistent with the entity table.
//
// Entities deleted through keystone drop their index rows in the same
// transaction. Entities removed any other way (TTL expiry, console, scripts)
// leave orphaned rows behind; queries skip them, and this handler deletes them.
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/jacentio/keystone/internal/hashkey"
)

// Purger deletes the index rows of a removed entity. *dynamo.Conn implements it.
type Purger interface {
	PurgeIndex(ctx context.Context, entity string, indexPKs []string) (int, error)
}

// Handler processes entity table stream events.
type Handler struct {
	purger Purger
	logger zerolog.Logger
}

// NewHandler creates a new stream handler. A nil logger disables logging.
func NewHandler(p Purger, logger *zerolog.Logger) *Handler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Handler{
		purger: p,
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// HandleRemove deletes the index rows of entities removed from the entity table.
// The stream must carry old images. It is designed to be used as an AWS Lambda
// handler; a failing record fails the batch so Lambda retries it.
func (h *Handler) HandleRemove(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error().
				Str("eventID", record.EventID).
				Err(err).
				Msg("failed to process record")
			return err
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != "REMOVE" {
		return nil
	}

	entity := getStringAttr(record.Change.Keys, "pk")
	if entity == "" {
		entity = getStringAttr(record.Change.OldImage, "pk")
	}
	indexPKs := getStringListAttr(record.Change.OldImage, "_index_pks")
	if entity == "" || hashkey.IsCounterPK(entity) || len(indexPKs) == 0 {
		return nil
	}

	n, err := h.purger.PurgeIndex(ctx, entity, indexPKs)
	if err != nil {
		return fmt.Errorf("purge index of %s: %w", entity, err)
	}
	h.logger.Info().
		Str("entity", entity).
		Int("rows", n).
		Msg("index rows purged")
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getStringListAttr extracts a string list attribute from a DynamoDB stream image.
func getStringListAttr(image map[string]events.DynamoDBAttributeValue, key string) []string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeList {
			var result []string
			for _, item := range v.List() {
				if item.DataType() == events.DataTypeString {
					result = append(result, item.String())
				}
			}
			return result
		}
	}
	return nil
}
