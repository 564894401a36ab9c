package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Store maps typed entities onto a remote document store.
//
// A Store holds no mutable state of its own and may be shared between goroutines.
// Entities, transactions and iterators it returns are owned by the caller.
type Store struct {
	conn     Connection
	registry *Registry
	config   Config
	logger   zerolog.Logger
}

// New creates a new Store instance.
func New(conn Connection, registry *Registry, config Config) *Store {
	config.validate()
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{
		conn:     conn,
		registry: registry,
		config:   config,
		logger:   config.Logger.With().Str("component", "keystone").Logger(),
	}
}

// Registry returns the schema registry of the store.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Get fetches the entity stored under key.
func (s *Store) Get(ctx context.Context, key Key) (*Entity, error) {
	if key.IsZero() || key.IsPending() {
		return nil, fmt.Errorf("%w: get requires an assigned key", ErrInvalidKey)
	}
	kind, err := s.registry.kind(key.Kind())
	if err != nil {
		return nil, err
	}
	if err := kind.CheckKey(key); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("op", "lookup").Stringer("key", key).Msg("remote call")
	res, err := s.conn.Lookup(ctx, key)
	if err != nil {
		return nil, s.connError(ctx, "lookup", err)
	}
	return s.registry.FromRaw(res.Key, res.Version, res.Properties)
}

// GetOneBy fetches the single entity of kind whose indexed property equals value.
// It fails with ErrNotFound when nothing matches and ErrAmbiguousResult when more
// than one entity matches.
func (s *Store) GetOneBy(ctx context.Context, kind, property string, value Value) (*Entity, error) {
	req, err := s.prepareQuery(Query{Kind: kind, Property: property, Value: value, PageSize: 2})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("op", "query").Str("kind", kind).Str("property", property).Msg("remote call")
	batch, err := s.conn.RunQuery(ctx, req)
	if err != nil {
		return nil, s.connError(ctx, "query", err)
	}
	switch {
	case len(batch.Entities) == 0:
		return nil, fmt.Errorf("%w: %s where %s = %s", ErrNotFound, kind, property, value)
	case len(batch.Entities) > 1 || batch.MoreResults:
		return nil, fmt.Errorf("%w: %s where %s = %s", ErrAmbiguousResult, kind, property, value)
	}
	r := batch.Entities[0]
	return s.registry.FromRaw(r.Key, r.Version, r.Properties)
}

// GetBy starts a paginated query over the entities of kind whose indexed property
// equals value. The first page is requested immediately, later pages as the
// iterator advances. A pageSize of 0 selects the kind's default page size.
func (s *Store) GetBy(ctx context.Context, kind, property string, value Value, pageSize int) (*Iterator, error) {
	return s.Resume(ctx, Query{Kind: kind, Property: property, Value: value, PageSize: pageSize})
}

// Resume re-issues a query descriptor, continuing from its cursor. Use it with the
// descriptor returned by Iterator.Query to continue a query later, possibly from
// another process.
func (s *Store) Resume(ctx context.Context, q Query) (*Iterator, error) {
	req, err := s.prepareQuery(q)
	if err != nil {
		return nil, err
	}
	q.PageSize = req.Limit
	it := &Iterator{
		store:     s,
		query:     q,
		req:       req,
		cursor:    q.Cursor,
		endCursor: q.Cursor,
		more:      true,
	}
	if err := it.fetch(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// Create stores a new entity. A pending key is resolved to a store-allocated id;
// an explicit id or name that is taken fails with ErrAlreadyExists. The returned
// entity carries the assigned key and the initial version.
func (s *Store) Create(ctx context.Context, e *Entity) (*Entity, error) {
	kind, raw, err := s.registry.toRaw(e)
	if err != nil {
		return nil, err
	}
	if e.Key.IsPending() && kind.KeyType == KeyByName {
		return nil, &SchemaError{Kind: kind.Name, Reason: "kind is keyed by name, key must be named before create"}
	}

	res, err := s.commitOne(ctx, Mutation{Op: OpInsert, Key: e.Key, Kind: kind, Properties: raw})
	if err != nil {
		return nil, err
	}
	out := e.Clone()
	out.Key = res.Key
	out.Version = versionOf(kind, res.Version)
	return out, nil
}

// Update replaces a stored entity. For versioned kinds the entity's version must
// match the stored one, otherwise Update fails with ErrVersionConflict and the
// caller must re-read before retrying. The returned entity carries the new version.
func (s *Store) Update(ctx context.Context, e *Entity) (*Entity, error) {
	if e.Key.IsZero() || e.Key.IsPending() {
		return nil, fmt.Errorf("%w: update requires an assigned key", ErrInvalidKey)
	}
	kind, raw, err := s.registry.toRaw(e)
	if err != nil {
		return nil, err
	}
	if kind.Versioned && e.Version == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingVersion, e.Key)
	}

	res, err := s.commitOne(ctx, Mutation{
		Op:          OpUpdate,
		Key:         e.Key,
		Kind:        kind,
		Properties:  raw,
		BaseVersion: versionOf(kind, e.Version),
	})
	if err != nil {
		return nil, err
	}
	out := e.Clone()
	out.Version = versionOf(kind, res.Version)
	return out, nil
}

// Delete removes the entity stored under key. A non-zero expectedVersion must
// match the stored version.
func (s *Store) Delete(ctx context.Context, key Key, expectedVersion int64) error {
	if key.IsZero() || key.IsPending() {
		return fmt.Errorf("%w: delete requires an assigned key", ErrInvalidKey)
	}
	kind, err := s.registry.kind(key.Kind())
	if err != nil {
		return err
	}
	if err := kind.CheckKey(key); err != nil {
		return err
	}
	_, err = s.commitOne(ctx, Mutation{Op: OpDelete, Key: key, Kind: kind, BaseVersion: expectedVersion})
	return err
}

// DeleteEntity removes e, checking its version.
func (s *Store) DeleteEntity(ctx context.Context, e *Entity) error {
	return s.Delete(ctx, e.Key, e.Version)
}

// commitOne applies a single mutation in its own transaction so the version check
// and the write are atomic on the store side.
func (s *Store) commitOne(ctx context.Context, m Mutation) (MutationResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return MutationResult{}, err
	}

	s.logger.Debug().Str("op", m.Op.String()).Stringer("key", m.Key).Int64("base_version", m.BaseVersion).Msg("remote call")
	results, err := s.conn.Commit(ctx, tx, []Mutation{m})
	if err != nil {
		var me *MutationError
		if errors.As(err, &me) {
			if errors.Is(me.Err, ErrVersionConflict) {
				s.logger.Warn().Stringer("key", m.Key).Int64("base_version", m.BaseVersion).Msg("version conflict")
			}
			return MutationResult{}, fmt.Errorf("%s %s: %w", m.Op, m.Key, me.Err)
		}
		s.release(ctx, tx)
		return MutationResult{}, s.connError(ctx, "commit", err)
	}
	if len(results) != 1 {
		return MutationResult{}, fmt.Errorf("%w: commit returned %d results for 1 mutation", ErrTransport, len(results))
	}
	return results[0], nil
}

func (s *Store) begin(ctx context.Context) (string, error) {
	s.logger.Debug().Str("op", "begin").Msg("remote call")
	tx, err := s.conn.BeginTransaction(ctx)
	if err != nil {
		if interrupted(ctx, err) {
			return "", s.connError(ctx, "begin", err)
		}
		return "", fmt.Errorf("%w: %w", ErrTransactionStart, err)
	}
	return tx, nil
}

// release rolls back tx after a commit failed for a reason other than a rejected
// mutation, in case the connection did not release it. Cancellation of ctx does
// not prevent the rollback.
func (s *Store) release(ctx context.Context, tx string) {
	if err := s.conn.Rollback(context.WithoutCancel(ctx), tx); err != nil {
		s.logger.Debug().Str("tx", tx).Err(err).Msg("release after failed commit")
	}
}

func (s *Store) prepareQuery(q Query) (QueryRequest, error) {
	kind, err := s.registry.kind(q.Kind)
	if err != nil {
		return QueryRequest{}, err
	}
	p, ok := kind.Property(q.Property)
	if !ok {
		return QueryRequest{}, fmt.Errorf("%w: %q on kind %q", ErrPropertyNotFound, q.Property, q.Kind)
	}
	if !p.Indexed {
		return QueryRequest{}, fmt.Errorf("%w: %q on kind %q", ErrNotIndexed, q.Property, q.Kind)
	}
	if want := p.filterType(); q.Value.Type() != want {
		return QueryRequest{}, fmt.Errorf("%w: %s filter on property %q, expected %s", ErrInvalidQuery, q.Value.Type(), q.Property, want)
	}
	limit := q.PageSize
	switch {
	case limit < 0:
		return QueryRequest{}, fmt.Errorf("%w: page size %d", ErrInvalidQuery, limit)
	case limit == 0 && kind.PageSize > 0:
		limit = kind.PageSize
	case limit == 0:
		limit = s.config.DefaultPageSize
	}
	return QueryRequest{
		Kind:     kind,
		Property: p.StorageName,
		Value:    q.Value,
		Limit:    limit,
		Cursor:   q.Cursor,
	}, nil
}

// connError classifies an error returned by the connection. Cancellation becomes
// ErrInterrupted since the remote outcome is unknown; store sentinels pass through;
// everything else is wrapped in ErrTransport.
func (s *Store) connError(ctx context.Context, op string, err error) error {
	switch {
	case interrupted(ctx, err):
		s.logger.Warn().Str("op", op).Err(err).Msg("call interrupted")
		return fmt.Errorf("%w: %s: %w", ErrInterrupted, op, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrVersionConflict):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func interrupted(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func versionOf(kind *Kind, version int64) int64 {
	if !kind.Versioned {
		return 0
	}
	return version
}
