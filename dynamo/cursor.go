package dynamo

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"
)

// ErrBadCursor is returned for cursors not produced by this package.
var ErrBadCursor = errors.New("dynamo: malformed cursor")

// indexKey is the primary key of an index row, and the content of a cursor.
type indexKey struct {
	PK string `dynamodbav:"pk" json:"p"`
	SK string `dynamodbav:"sk" json:"s"`
}

func encodeCursor(row map[string]types.AttributeValue) (string, error) {
	var k indexKey
	if err := attributevalue.UnmarshalMap(row, &k); err != nil {
		return "", fmt.Errorf("decode index row key: %w", err)
	}
	b, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeCursor returns the ExclusiveStartKey for a cursor. The cursor must belong
// to the index partition pk.
func decodeCursor(cursor, pk string) (map[string]types.AttributeValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var k indexKey
	if err := json.Unmarshal(b, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if k.PK != pk || k.SK == "" {
		return nil, fmt.Errorf("%w: cursor belongs to another query", ErrBadCursor)
	}
	start, err := attributevalue.MarshalMap(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return start, nil
}
