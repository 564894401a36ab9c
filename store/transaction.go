package store

import (
	"context"
	"errors"
	"fmt"
)

// TransactionState is the lifecycle state of a Transaction.
type TransactionState int

const (
	// TxActive transactions accept new operations.
	TxActive TransactionState = iota
	// TxCommitted transactions were applied by the store.
	TxCommitted
	// TxAborted transactions were abandoned or failed to commit.
	TxAborted
)

func (s TransactionState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	}
	return "unknown"
}

// Result is the outcome of one committed operation.
type Result struct {
	// Key is the entity key with any pending id resolved.
	Key Key

	// Version is the stored version after a save; 0 for deletes and unversioned kinds.
	Version int64
}

// Transaction stages saves and deletes client-side and applies them atomically on
// Commit. Operations are validated when pushed; nothing reaches the store before
// Commit. A Transaction is owned by a single caller.
type Transaction struct {
	store     *Store
	handle    string
	mutations []Mutation
	staged    map[string]struct{}
	state     TransactionState
}

// Begin opens a remote transaction.
func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	handle, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		store:  s,
		handle: handle,
		staged: make(map[string]struct{}),
	}, nil
}

// State returns the lifecycle state of the transaction.
func (t *Transaction) State() TransactionState {
	return t.state
}

// Len returns the number of staged operations.
func (t *Transaction) Len() int {
	return len(t.mutations)
}

// PushSave stages a write of e. Entities with pending keys, and entities of
// versioned kinds without a version, are inserted. Entities of versioned kinds
// with a version are updated under a version check. Entities of unversioned kinds
// with an assigned key are written unconditionally.
func (t *Transaction) PushSave(e *Entity) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	kind, raw, err := t.store.registry.toRaw(e)
	if err != nil {
		return err
	}

	m := Mutation{Key: e.Key, Kind: kind, Properties: raw}
	switch {
	case e.Key.IsPending():
		if kind.KeyType == KeyByName {
			return &SchemaError{Kind: kind.Name, Reason: "kind is keyed by name, key must be named before save"}
		}
		m.Op = OpInsert
	case kind.Versioned && e.Version == 0:
		m.Op = OpInsert
	case kind.Versioned:
		m.Op = OpUpdate
		m.BaseVersion = e.Version
	default:
		m.Op = OpUpsert
	}
	return t.push(m)
}

// PushDelete stages a delete of key. A non-zero expectedVersion must match the
// stored version at commit time.
func (t *Transaction) PushDelete(key Key, expectedVersion int64) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if key.IsZero() || key.IsPending() {
		return fmt.Errorf("%w: delete requires an assigned key", ErrInvalidKey)
	}
	kind, err := t.store.registry.kind(key.Kind())
	if err != nil {
		return err
	}
	if err := kind.CheckKey(key); err != nil {
		return err
	}
	return t.push(Mutation{Op: OpDelete, Key: key, Kind: kind, BaseVersion: expectedVersion})
}

// PushDeleteEntity stages a delete of e, checking its version.
func (t *Transaction) PushDeleteEntity(e *Entity) error {
	return t.PushDelete(e.Key, e.Version)
}

func (t *Transaction) push(m Mutation) error {
	if len(t.mutations) >= t.store.config.MaxBatchSize {
		return fmt.Errorf("%w: limit is %d operations", ErrBatchTooLarge, t.store.config.MaxBatchSize)
	}
	if !m.Key.IsPending() {
		id := m.Key.String()
		if _, dup := t.staged[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateMutation, id)
		}
		t.staged[id] = struct{}{}
	}
	t.mutations = append(t.mutations, m)
	return nil
}

// Commit applies every staged operation in one atomic request and returns the
// results in staging order. If any operation fails nothing is applied, the
// transaction is aborted and the error is a *TransactionError wrapping the cause.
func (t *Transaction) Commit(ctx context.Context) ([]Result, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	logger := t.store.logger

	if len(t.mutations) == 0 {
		t.state = TxCommitted
		if err := t.store.conn.Rollback(ctx, t.handle); err != nil {
			logger.Debug().Str("tx", t.handle).Err(err).Msg("release of empty transaction failed")
		}
		return nil, nil
	}

	logger.Debug().Str("op", "commit").Str("tx", t.handle).Int("mutations", len(t.mutations)).Msg("remote call")
	results, err := t.store.conn.Commit(ctx, t.handle, t.mutations)
	if err != nil {
		t.state = TxAborted
		var me *MutationError
		if errors.As(err, &me) {
			logger.Warn().
				Str("tx", t.handle).
				Int("index", me.Index).
				Err(me.Err).
				Msg("transaction conflict")
			return nil, &TransactionError{Index: me.Index, Err: me.Err}
		}
		t.store.release(ctx, t.handle)
		return nil, t.store.connError(ctx, "commit", err)
	}
	if len(results) != len(t.mutations) {
		t.state = TxAborted
		return nil, fmt.Errorf("%w: commit returned %d results for %d mutations", ErrTransport, len(results), len(t.mutations))
	}

	t.state = TxCommitted
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = Result{Key: r.Key, Version: versionOf(t.mutations[i].Kind, r.Version)}
	}
	return out, nil
}

// Abandon releases the transaction without applying anything. It never fails and
// may be called any number of times, including after Commit.
func (t *Transaction) Abandon(ctx context.Context) {
	if t.state != TxActive {
		return
	}
	t.state = TxAborted
	if err := t.store.conn.Rollback(ctx, t.handle); err != nil {
		t.store.logger.Debug().Str("tx", t.handle).Err(err).Msg("rollback failed")
	}
}

func (t *Transaction) checkOpen() error {
	if t.state != TxActive {
		return fmt.Errorf("%w: transaction is %s", ErrTransactionClosed, t.state)
	}
	return nil
}
