// Package memstore provides an in-memory store.Connection.
//
// It implements the full connection contract (atomic multi-entity commits,
// version checks, id allocation, indexed equality queries with cursors) and is
// meant for tests and local development.
package memstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacentio/keystone/store"
)

var (
	// ErrUnknownTransaction is returned when committing or rolling back a handle
	// that is not open.
	ErrUnknownTransaction = errors.New("memstore: unknown transaction")

	// ErrTooManyTransactions is returned by BeginTransaction when the limit set
	// with WithMaxTransactions is reached.
	ErrTooManyTransactions = errors.New("memstore: too many open transactions")

	// ErrBadCursor is returned for cursors not produced by this store.
	ErrBadCursor = errors.New("memstore: malformed cursor")
)

// Option configures a Store.
type Option func(*Store)

// WithFirstID sets the first id allocated for pending keys. Default: 1.
func WithFirstID(id int64) Option {
	return func(s *Store) {
		if id > 0 {
			s.nextID = id
		}
	}
}

// WithMaxTransactions bounds the number of concurrently open transactions.
// Default: unlimited.
func WithMaxTransactions(n int) Option {
	return func(s *Store) {
		s.maxTx = n
	}
}

// WithLogger sets the logger receiving debug events for every call.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type record struct {
	key     store.Key
	version int64
	props   map[string]store.Value
}

func (r *record) result() store.EntityResult {
	return store.EntityResult{Key: r.key, Version: r.version, Properties: maps.Clone(r.props)}
}

// Store is an in-memory store.Connection. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	entities map[string]*record
	txs      map[string]struct{}
	nextID   int64
	maxTx    int
	logger   zerolog.Logger
}

var _ store.Connection = (*Store)(nil)

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entities: make(map[string]*record),
		txs:      make(map[string]struct{}),
		nextID:   1,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed writes raw properties, keyed by storage name, under key with the given
// version, bypassing all checks. Use it to simulate data written by other
// applications.
func (s *Store) Seed(key store.Key, version int64, props map[string]store.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[key.String()] = &record{key: key, version: version, props: maps.Clone(props)}
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// OpenTransactions returns the number of transactions begun but not yet released.
func (s *Store) OpenTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Lookup implements store.Connection.
func (s *Store) Lookup(ctx context.Context, key store.Key) (*store.EntityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug().Stringer("key", key).Msg("lookup")

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entities[key.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	res := r.result()
	return &res, nil
}

// RunQuery implements store.Connection. Results are ordered by key.
func (s *Store) RunQuery(ctx context.Context, q store.QueryRequest) (*store.QueryBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit < 1 {
		return nil, fmt.Errorf("memstore: query limit %d", q.Limit)
	}
	var after store.Key
	if q.Cursor != "" {
		k, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		after = k
	}
	s.logger.Debug().Str("kind", q.Kind.Name).Str("property", q.Property).Int("limit", q.Limit).Msg("query")

	s.mu.Lock()
	var matches []*record
	for _, r := range s.entities {
		if r.key.Kind() != q.Kind.Name {
			continue
		}
		if v, ok := r.props[q.Property]; !ok || !v.Matches(q.Value) {
			continue
		}
		if !after.IsZero() && r.key.Compare(after) <= 0 {
			continue
		}
		matches = append(matches, r)
	}
	slices.SortFunc(matches, func(a, b *record) int { return a.key.Compare(b.key) })

	batch := &store.QueryBatch{EndCursor: q.Cursor}
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
		batch.MoreResults = true
	}
	for _, r := range matches {
		res := r.result()
		res.Cursor = encodeCursor(r.key)
		batch.Entities = append(batch.Entities, res)
		batch.EndCursor = res.Cursor
	}
	s.mu.Unlock()
	return batch, nil
}

// BeginTransaction implements store.Connection.
func (s *Store) BeginTransaction(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxTx > 0 && len(s.txs) >= s.maxTx {
		return "", ErrTooManyTransactions
	}
	tx := uuid.NewString()
	s.txs[tx] = struct{}{}
	s.logger.Debug().Str("tx", tx).Msg("begin")
	return tx, nil
}

// Rollback implements store.Connection.
func (s *Store) Rollback(ctx context.Context, tx string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tx)
	}
	delete(s.txs, tx)
	s.logger.Debug().Str("tx", tx).Msg("rollback")
	return nil
}

// Commit implements store.Connection. Mutations are applied to an overlay first
// and published only when all of them succeed. The handle is released even when
// ctx is already done.
func (s *Store) Commit(ctx context.Context, tx string, mutations []store.Mutation) ([]store.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, tx)
	}
	delete(s.txs, tx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	overlay := make(map[string]*record, len(mutations))
	current := func(id string) (*record, bool) {
		if r, ok := overlay[id]; ok {
			return r, r != nil
		}
		r, ok := s.entities[id]
		return r, ok
	}

	nextID := s.nextID
	results := make([]store.MutationResult, len(mutations))
	for i, m := range mutations {
		key := m.Key
		if m.Op == store.OpInsert && key.IsPending() {
			// skip ids already taken by explicit keys
			for {
				assigned, err := key.AssignID(nextID)
				if err != nil {
					return nil, &store.MutationError{Index: i, Err: err}
				}
				nextID++
				if _, taken := current(assigned.String()); !taken {
					key = assigned
					break
				}
			}
		}
		id := key.String()
		old, exists := current(id)

		if err := check(m, old, exists); err != nil {
			s.logger.Debug().Str("tx", tx).Int("index", i).Stringer("key", key).Err(err).Msg("commit rejected")
			return nil, &store.MutationError{Index: i, Err: err}
		}

		if m.Op == store.OpDelete {
			overlay[id] = nil
			results[i] = store.MutationResult{Key: key}
			continue
		}
		version := int64(1)
		if exists {
			version = old.version + 1
		}
		overlay[id] = &record{key: key, version: version, props: maps.Clone(m.Properties)}
		results[i] = store.MutationResult{Key: key, Version: version}
	}

	for id, r := range overlay {
		if r == nil {
			delete(s.entities, id)
			continue
		}
		s.entities[id] = r
	}
	s.nextID = nextID
	s.logger.Debug().Str("tx", tx).Int("mutations", len(mutations)).Msg("commit")
	return results, nil
}

func check(m store.Mutation, old *record, exists bool) error {
	switch m.Op {
	case store.OpInsert:
		if exists {
			return store.ErrAlreadyExists
		}
		return nil
	case store.OpUpdate, store.OpDelete:
		if !exists {
			return store.ErrNotFound
		}
	case store.OpUpsert:
		if !exists {
			if m.BaseVersion != 0 {
				return store.ErrVersionConflict
			}
			return nil
		}
	default:
		return fmt.Errorf("memstore: unsupported mutation %s", m.Op)
	}
	if m.BaseVersion != 0 && m.BaseVersion != old.version {
		return store.ErrVersionConflict
	}
	return nil
}

func encodeCursor(key store.Key) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.String()))
}

func decodeCursor(cursor string) (store.Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return store.Key{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	k, err := store.ParseKey(string(raw))
	if err != nil {
		return store.Key{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return k, nil
}
