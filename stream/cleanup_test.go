package stream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/keystone/dynamo"
	"github.com/jacentio/keystone/stream"
)

var _ stream.Purger = (*dynamo.Conn)(nil)

type purgeCall struct {
	entity   string
	indexPKs []string
}

type fakePurger struct {
	calls []purgeCall
	err   error
}

func (f *fakePurger) PurgeIndex(_ context.Context, entity string, indexPKs []string) (int, error) {
	f.calls = append(f.calls, purgeCall{entity, indexPKs})
	if f.err != nil {
		return 0, f.err
	}
	return len(indexPKs), nil
}

func removeRecord(pk string, indexPKs ...string) events.DynamoDBEventRecord {
	list := make([]events.DynamoDBAttributeValue, len(indexPKs))
	for i, p := range indexPKs {
		list[i] = events.NewStringAttribute(p)
	}
	old := map[string]events.DynamoDBAttributeValue{
		"pk":      events.NewStringAttribute(pk),
		"version": events.NewNumberAttribute("3"),
	}
	if len(indexPKs) > 0 {
		old["_index_pks"] = events.NewListAttribute(list)
	}
	return events.DynamoDBEventRecord{
		EventID:   "evt-" + pk,
		EventName: "REMOVE",
		Change: events.DynamoDBStreamRecord{
			Keys:     map[string]events.DynamoDBAttributeValue{"pk": events.NewStringAttribute(pk)},
			OldImage: old,
		},
	}
}

func TestNewHandler_NilLogger(t *testing.T) {
	h := stream.NewHandler(&fakePurger{}, nil)
	require.NotNil(t, h)
	require.NoError(t, h.HandleRemove(context.Background(), events.DynamoDBEvent{}))
}

func TestHandleRemove_PurgesIndexRows(t *testing.T) {
	p := &fakePurger{}
	h := stream.NewHandler(p, nil)

	err := h.HandleRemove(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord("Account,i1", "p1", "p2"),
		removeRecord("Account,i2", "p3"),
	}})
	require.NoError(t, err)
	assert.Equal(t, []purgeCall{
		{"Account,i1", []string{"p1", "p2"}},
		{"Account,i2", []string{"p3"}},
	}, p.calls)
}

func TestHandleRemove_SkipsOtherRecords(t *testing.T) {
	insert := removeRecord("Account,i1", "p1")
	insert.EventName = "INSERT"
	modify := removeRecord("Account,i2", "p2")
	modify.EventName = "MODIFY"

	tests := []struct {
		name   string
		record events.DynamoDBEventRecord
	}{
		{"insert", insert},
		{"modify", modify},
		{"no index rows", removeRecord("Account,i3")},
		{"id counter", removeRecord("#counter#Account", "p4")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePurger{}
			h := stream.NewHandler(p, nil)
			err := h.HandleRemove(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{tt.record}})
			require.NoError(t, err)
			assert.Empty(t, p.calls)
		})
	}
}

func TestHandleRemove_FailureStopsBatch(t *testing.T) {
	p := &fakePurger{err: errors.New("throttled")}
	h := stream.NewHandler(p, nil)

	err := h.HandleRemove(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord("Account,i1", "p1"),
		removeRecord("Account,i2", "p2"),
	}})
	require.ErrorIs(t, err, p.err)
	assert.Contains(t, err.Error(), "Account,i1")
	assert.Len(t, p.calls, 1)
}
