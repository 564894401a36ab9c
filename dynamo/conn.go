// Package dynamo implements store.Connection on top of Amazon DynamoDB.
//
// Entities live in one table keyed by the text form of their key. Indexed
// property values are materialized as rows of a second table, written in the
// same TransactWriteItems call as the entity, so equality queries always agree
// with the entities they return.
//
// # Tables
//
// Entity table (hash key "pk"):
//
//	pk          S  key text form, e.g. "Account,i7"
//	kind        S  entity kind
//	version     N  optimistic lock version
//	props       M  storage name -> value
//	_index_pks  L  index partitions holding a row for this entity
//
// Id counters are items of the entity table keyed by hashkey.CounterPK.
//
// Index table (hash key "pk", range key "sk"):
//
//	pk  S  hashkey.IndexPK(kind, property, value token)
//	sk  S  entity key text form
//
// Enable a stream with OLD_IMAGE on the entity table and attach the stream
// package handler to drop index rows of entities removed outside this package.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacentio/keystone/internal/hashkey"
	"github.com/jacentio/keystone/store"
)

var (
	// ErrUnknownTransaction is returned when committing or rolling back a handle
	// that is not open.
	ErrUnknownTransaction = errors.New("dynamo: unknown transaction")

	// ErrTooManyItems is returned when a commit needs more write items than
	// Config.MaxTransactItems.
	ErrTooManyItems = errors.New("dynamo: too many items in transaction")
)

// batchGetLimit and batchWriteLimit are the DynamoDB per-request item limits.
const (
	batchGetLimit   = 100
	batchWriteLimit = 25
)

// API is the subset of the DynamoDB client used by Conn.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Conn is a store.Connection backed by DynamoDB. It is safe for concurrent use.
type Conn struct {
	client API
	config Config
	logger zerolog.Logger

	mu  sync.Mutex
	txs map[string]struct{}
}

var _ store.Connection = (*Conn)(nil)

// New creates a connection using client.
func New(client API, config Config) *Conn {
	config.validate()
	return &Conn{
		client: client,
		config: config,
		logger: config.Logger.With().Str("component", "dynamo").Logger(),
		txs:    make(map[string]struct{}),
	}
}

// Lookup implements store.Connection.
func (c *Conn) Lookup(ctx context.Context, key store.Key) (*store.EntityResult, error) {
	c.logger.Debug().Str("op", "GetItem").Stringer("key", key).Msg("dynamodb call")
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.config.EntityTable),
		Key:            entityPK(key.String()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	e, err := decodeEntity(out.Item)
	if err != nil {
		return nil, err
	}
	return &store.EntityResult{Key: e.key, Version: e.version, Properties: e.props}, nil
}

// RunQuery implements store.Connection. Results are ordered by the text form of
// their key. Index rows whose entity has disappeared are skipped.
func (c *Conn) RunQuery(ctx context.Context, q store.QueryRequest) (*store.QueryBatch, error) {
	if q.Limit < 1 {
		return nil, fmt.Errorf("dynamo: query limit %d", q.Limit)
	}
	partition := hashkey.IndexPK(q.Kind.Name, q.Property, q.Value.Token())
	var start map[string]types.AttributeValue
	if q.Cursor != "" {
		var err error
		if start, err = decodeCursor(q.Cursor, partition); err != nil {
			return nil, err
		}
	}

	batch := &store.QueryBatch{EndCursor: q.Cursor}
	for len(batch.Entities) < q.Limit {
		need := q.Limit - len(batch.Entities)
		rows, err := c.queryIndex(ctx, partition, start, need+1)
		if err != nil {
			return nil, err
		}
		batch.MoreResults = len(rows) > need
		if batch.MoreResults {
			rows = rows[:need]
		}
		if len(rows) == 0 {
			break
		}

		pks := make([]string, len(rows))
		for i, row := range rows {
			sk, _ := row[attrSK].(*types.AttributeValueMemberS)
			if sk == nil {
				return nil, fmt.Errorf("%w: index row without %s", ErrBadItem, attrSK)
			}
			pks[i] = sk.Value
		}
		found, err := c.batchGet(ctx, pks)
		if err != nil {
			return nil, err
		}

		for i, row := range rows {
			cursor, err := encodeCursor(row)
			if err != nil {
				return nil, err
			}
			batch.EndCursor = cursor
			item, ok := found[pks[i]]
			if !ok {
				c.logger.Debug().Str("pk", pks[i]).Msg("skipping orphaned index row")
				continue
			}
			e, err := decodeEntity(item)
			if err != nil {
				return nil, err
			}
			batch.Entities = append(batch.Entities, store.EntityResult{
				Key:        e.key,
				Version:    e.version,
				Properties: e.props,
				Cursor:     cursor,
			})
		}

		if !batch.MoreResults {
			break
		}
		start = map[string]types.AttributeValue{
			attrPK: rows[len(rows)-1][attrPK],
			attrSK: rows[len(rows)-1][attrSK],
		}
	}
	return batch, nil
}

// queryIndex returns up to limit rows of an index partition, following
// LastEvaluatedKey when DynamoDB stops early.
func (c *Conn) queryIndex(ctx context.Context, partition string, start map[string]types.AttributeValue, limit int) ([]map[string]types.AttributeValue, error) {
	var rows []map[string]types.AttributeValue
	for len(rows) < limit {
		c.logger.Debug().Str("op", "Query").Str("partition", partition).Int("limit", limit-len(rows)).Msg("dynamodb call")
		out, err := c.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.config.IndexTable),
			KeyConditionExpression: aws.String("#pk = :pk"),
			ExpressionAttributeNames: map[string]string{
				"#pk": attrPK,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: partition},
			},
			ExclusiveStartKey: start,
			Limit:             aws.Int32(int32(limit - len(rows))),
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("query index: %w", err)
		}
		rows = append(rows, out.Items...)
		if out.LastEvaluatedKey == nil {
			break
		}
		start = out.LastEvaluatedKey
	}
	return rows, nil
}

// batchGet fetches entity items by pk with strongly consistent reads. Missing
// items are absent from the result.
func (c *Conn) batchGet(ctx context.Context, pks []string) (map[string]map[string]types.AttributeValue, error) {
	found := make(map[string]map[string]types.AttributeValue, len(pks))
	for chunk := range slices.Chunk(pks, batchGetLimit) {
		keys := make([]map[string]types.AttributeValue, len(chunk))
		for i, pk := range chunk {
			keys[i] = entityPK(pk)
		}
		request := map[string]types.KeysAndAttributes{
			c.config.EntityTable: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for len(request) > 0 {
			c.logger.Debug().Str("op", "BatchGetItem").Int("keys", len(request[c.config.EntityTable].Keys)).Msg("dynamodb call")
			out, err := c.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, fmt.Errorf("batch get: %w", err)
			}
			for _, item := range out.Responses[c.config.EntityTable] {
				if pk, ok := item[attrPK].(*types.AttributeValueMemberS); ok {
					found[pk.Value] = item
				}
			}
			request = out.UnprocessedKeys
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	return found, nil
}

// BeginTransaction implements store.Connection. DynamoDB transactions are single
// requests, so the handle only lives client-side; it becomes the idempotency
// token of the commit.
func (c *Conn) BeginTransaction(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx := uuid.NewString()
	c.mu.Lock()
	c.txs[tx] = struct{}{}
	c.mu.Unlock()
	return tx, nil
}

// Rollback implements store.Connection.
func (c *Conn) Rollback(_ context.Context, tx string) error {
	if !c.release(tx) {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tx)
	}
	return nil
}

func (c *Conn) release(tx string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txs[tx]; !ok {
		return false
	}
	delete(c.txs, tx)
	return true
}

// writePlan is the TransactWriteItems content for a commit. owner[i] is the index
// of the mutation that produced items[i].
type writePlan struct {
	items   []types.TransactWriteItem
	owner   []int
	creates []bool
}

func (p *writePlan) add(mutation int, item types.TransactWriteItem, creates bool) {
	p.items = append(p.items, item)
	p.owner = append(p.owner, mutation)
	p.creates = append(p.creates, creates)
}

// Commit implements store.Connection.
//
// Pending ids are allocated first. The current items of updated and deleted
// entities are then read to find their index rows, and every write is guarded by
// the version observed in that read so the index rows removed are the ones stored.
func (c *Conn) Commit(ctx context.Context, tx string, mutations []store.Mutation) ([]store.MutationResult, error) {
	if !c.release(tx) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, tx)
	}

	keys := make([]store.Key, len(mutations))
	var prefetch []string
	for i, m := range mutations {
		keys[i] = m.Key
		if m.Op == store.OpInsert {
			if !m.Key.IsPending() {
				continue
			}
			id, err := c.allocateID(ctx, m.Key.Kind())
			if err != nil {
				return nil, err
			}
			if keys[i], err = m.Key.AssignID(id); err != nil {
				return nil, &store.MutationError{Index: i, Err: err}
			}
			continue
		}
		prefetch = append(prefetch, m.Key.String())
	}

	current := map[string]map[string]types.AttributeValue{}
	if len(prefetch) > 0 {
		var err error
		if current, err = c.batchGet(ctx, prefetch); err != nil {
			return nil, err
		}
	}

	plan := &writePlan{}
	results := make([]store.MutationResult, len(mutations))
	for i, m := range mutations {
		pk := keys[i].String()
		var old *entityItem
		if raw, ok := current[pk]; ok {
			var err error
			if old, err = decodeEntity(raw); err != nil {
				return nil, err
			}
		}
		version, err := c.planMutation(plan, i, m, keys[i], old)
		if err != nil {
			return nil, err
		}
		results[i] = store.MutationResult{Key: keys[i], Version: version}
	}

	if len(plan.items) > c.config.MaxTransactItems {
		return nil, fmt.Errorf("%w: %d items, limit is %d", ErrTooManyItems, len(plan.items), c.config.MaxTransactItems)
	}

	c.logger.Debug().Str("op", "TransactWriteItems").Str("tx", tx).Int("items", len(plan.items)).Msg("dynamodb call")
	_, err := c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      plan.items,
		ClientRequestToken: aws.String(tx),
	})
	if err != nil {
		return nil, c.mapTransactionError(err, plan, mutations)
	}
	return results, nil
}

// planMutation appends the writes of one mutation to plan and returns the version
// the entity will have after the commit.
func (c *Conn) planMutation(plan *writePlan, i int, m store.Mutation, key store.Key, old *entityItem) (int64, error) {
	pk := key.String()

	if m.Op == store.OpInsert || (m.Op == store.OpUpsert && old == nil) {
		if m.Op == store.OpUpsert && m.BaseVersion != 0 {
			return 0, &store.MutationError{Index: i, Err: store.ErrVersionConflict}
		}
		indexPKs := indexPartitions(m.Kind, m.Properties)
		item, err := encodeEntity(key, 1, m.Properties, indexPKs)
		if err != nil {
			return 0, err
		}
		plan.add(i, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                           aws.String(c.config.EntityTable),
				Item:                                item,
				ConditionExpression:                 aws.String("attribute_not_exists(pk)"),
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			},
		}, true)
		for _, ipk := range indexPKs {
			plan.add(i, c.putIndexRow(ipk, pk, key.Kind()), false)
		}
		return 1, nil
	}

	if old == nil {
		return 0, &store.MutationError{Index: i, Err: store.ErrNotFound}
	}
	if m.BaseVersion != 0 && m.BaseVersion != old.version {
		return 0, &store.MutationError{Index: i, Err: store.ErrVersionConflict}
	}
	names := map[string]string{"#version": attrVersion}
	values := map[string]types.AttributeValue{
		":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(old.version, 10)},
	}
	cond := aws.String("attribute_exists(pk) AND #version = :observed")

	if m.Op == store.OpDelete {
		plan.add(i, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                           aws.String(c.config.EntityTable),
				Key:                                 entityPK(pk),
				ConditionExpression:                 cond,
				ExpressionAttributeNames:            names,
				ExpressionAttributeValues:           values,
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			},
		}, false)
		for _, ipk := range old.indexPKs {
			plan.add(i, c.deleteIndexRow(ipk, pk), false)
		}
		return 0, nil
	}

	version := old.version + 1
	indexPKs := indexPartitions(m.Kind, m.Properties)
	item, err := encodeEntity(key, version, m.Properties, indexPKs)
	if err != nil {
		return 0, err
	}
	plan.add(i, types.TransactWriteItem{
		Put: &types.Put{
			TableName:                           aws.String(c.config.EntityTable),
			Item:                                item,
			ConditionExpression:                 cond,
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		},
	}, false)
	for _, ipk := range old.indexPKs {
		if !slices.Contains(indexPKs, ipk) {
			plan.add(i, c.deleteIndexRow(ipk, pk), false)
		}
	}
	for _, ipk := range indexPKs {
		if !slices.Contains(old.indexPKs, ipk) {
			plan.add(i, c.putIndexRow(ipk, pk, key.Kind()), false)
		}
	}
	return version, nil
}

func (c *Conn) putIndexRow(partition, entity, kind string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(c.config.IndexTable),
			Item: map[string]types.AttributeValue{
				attrPK:   &types.AttributeValueMemberS{Value: partition},
				attrSK:   &types.AttributeValueMemberS{Value: entity},
				attrKind: &types.AttributeValueMemberS{Value: kind},
			},
		},
	}
}

func (c *Conn) deleteIndexRow(partition, entity string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(c.config.IndexTable),
			Key:       indexRowKey(partition, entity),
		},
	}
}

// mapTransactionError maps DynamoDB transaction errors to the failing mutation.
// Only entity writes carry conditions; the old image returned on failure tells
// a missing entity from a moved version.
func (c *Conn) mapTransactionError(err error, plan *writePlan, mutations []store.Mutation) error {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return fmt.Errorf("transact write: %w", err)
	}
	for i, reason := range txErr.CancellationReasons {
		if reason.Code == nil || i >= len(plan.items) {
			continue
		}
		m := plan.owner[i]
		switch *reason.Code {
		case "ConditionalCheckFailed":
			c.logger.Debug().Int("index", m).Stringer("key", mutations[m].Key).Msg("condition check failed")
			switch {
			case plan.creates[i]:
				return &store.MutationError{Index: m, Err: store.ErrAlreadyExists}
			case reason.Item == nil:
				return &store.MutationError{Index: m, Err: store.ErrNotFound}
			default:
				return &store.MutationError{Index: m, Err: store.ErrVersionConflict}
			}
		case "TransactionConflict":
			return &store.MutationError{Index: m, Err: store.ErrVersionConflict}
		}
	}
	return fmt.Errorf("transact write: %w", err)
}

// allocateID reserves the next id of kind from its counter item.
func (c *Conn) allocateID(ctx context.Context, kind string) (int64, error) {
	c.logger.Debug().Str("op", "UpdateItem").Str("kind", kind).Msg("dynamodb call")
	out, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.config.EntityTable),
		Key:              entityPK(hashkey.CounterPK(kind)),
		UpdateExpression: aws.String("ADD #next :one"),
		ExpressionAttributeNames: map[string]string{
			"#next": attrNext,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	n, ok := out.Attributes[attrNext].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%w: counter for %q has no %s", ErrBadItem, kind, attrNext)
	}
	id, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: counter value %q", ErrBadItem, n.Value)
	}
	return id, nil
}

// PurgeIndex deletes the index rows of an entity that was removed from the entity
// table. Rows still listed by a live entity under the same key are kept, so
// purging is safe to repeat and to run after the key was reused.
func (c *Conn) PurgeIndex(ctx context.Context, entity string, indexPKs []string) (int, error) {
	if len(indexPKs) == 0 {
		return 0, nil
	}
	live, err := c.batchGet(ctx, []string{entity})
	if err != nil {
		return 0, err
	}
	var keep []string
	if item, ok := live[entity]; ok {
		e, err := decodeEntity(item)
		if err != nil {
			return 0, err
		}
		keep = e.indexPKs
	}

	var requests []types.WriteRequest
	for _, ipk := range indexPKs {
		if slices.Contains(keep, ipk) {
			continue
		}
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: indexRowKey(ipk, entity)},
		})
	}

	for chunk := range slices.Chunk(requests, batchWriteLimit) {
		pending := map[string][]types.WriteRequest{c.config.IndexTable: chunk}
		for len(pending) > 0 {
			c.logger.Debug().Str("op", "BatchWriteItem").Int("requests", len(pending[c.config.IndexTable])).Msg("dynamodb call")
			out, err := c.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return 0, fmt.Errorf("batch write: %w", err)
			}
			pending = out.UnprocessedItems
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}
	return len(requests), nil
}

// indexPartitions returns the sorted index partitions of an entity: one per
// indexed, non-null property, and one per distinct element of indexed arrays.
func indexPartitions(kind *store.Kind, props map[string]store.Value) []string {
	var pks []string
	for _, p := range kind.Properties {
		if !p.Indexed {
			continue
		}
		for _, token := range props[p.StorageName].IndexTokens() {
			pks = append(pks, hashkey.IndexPK(kind.Name, p.StorageName, token))
		}
	}
	slices.Sort(pks)
	return slices.Compact(pks)
}

func entityPK(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
	}
}

func indexRowKey(partition, entity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: partition},
		attrSK: &types.AttributeValueMemberS{Value: entity},
	}
}
