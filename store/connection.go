package store

import "context"

// MutationOp is the kind of write a Mutation performs.
type MutationOp int

const (
	// OpInsert creates an entity that must not exist. A pending self segment is
	// resolved to a store-allocated id.
	OpInsert MutationOp = iota
	// OpUpdate replaces an entity that must exist.
	OpUpdate
	// OpUpsert writes an entity whether or not it exists.
	OpUpsert
	// OpDelete removes an entity that must exist.
	OpDelete
)

func (op MutationOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Mutation is one write sent to the store as part of a commit.
type Mutation struct {
	Op  MutationOp
	Key Key

	// Kind is the declaration of Key's kind. Stores use it to maintain indexes.
	Kind *Kind

	// Properties are keyed by storage name. Unused for deletes.
	Properties map[string]Value

	// BaseVersion, when non-zero, must equal the stored version for the mutation
	// to apply.
	BaseVersion int64
}

// MutationResult reports the outcome of one applied mutation.
type MutationResult struct {
	// Key is the entity key with any pending segment resolved.
	Key Key

	// Version is the stored version after the write, 0 for deletes.
	Version int64
}

// EntityResult is an entity as stored, with properties keyed by storage name.
type EntityResult struct {
	Key        Key
	Version    int64
	Properties map[string]Value

	// Cursor is positioned just after this entity in a query result.
	Cursor string
}

// QueryRequest asks for one page of entities of Kind whose Property (storage name)
// matches Value, as defined by Value.Matches.
type QueryRequest struct {
	Kind     *Kind
	Property string
	Value    Value
	Limit    int
	Cursor   string
}

// QueryBatch is one page of query results.
type QueryBatch struct {
	Entities []EntityResult

	// EndCursor is positioned after the last entity of the page.
	EndCursor string

	// MoreResults reports whether entities remain after EndCursor.
	MoreResults bool
}

// Connection is the remote store capability the engine drives. Implementations
// own authentication and transport.
//
// Commit must apply all mutations atomically or none of them, check every
// non-zero BaseVersion in the same atomic step, start versions at 1 and increment
// them on every write. A failing mutation is reported as a *MutationError wrapping
// ErrNotFound, ErrAlreadyExists or ErrVersionConflict. Commit releases the
// transaction whatever the outcome.
type Connection interface {
	// Lookup returns the entity stored under key, or ErrNotFound.
	Lookup(ctx context.Context, key Key) (*EntityResult, error)

	// RunQuery returns one page of results in the store's index order.
	RunQuery(ctx context.Context, q QueryRequest) (*QueryBatch, error)

	// BeginTransaction opens a transaction and returns its handle.
	BeginTransaction(ctx context.Context) (string, error)

	// Commit applies mutations atomically and returns one result per mutation.
	Commit(ctx context.Context, tx string, mutations []Mutation) ([]MutationResult, error)

	// Rollback releases a transaction without applying anything.
	Rollback(ctx context.Context, tx string) error
}
