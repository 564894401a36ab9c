// Package store maps typed entities onto a remote schemaless document store.
//
// Entities are identified by a [Key], a hierarchical path of (kind, id or name)
// segments, and carry a version used for optimistic concurrency. The store itself
// is reached through a [Connection]; see the memstore and dynamo packages.
//
// # Schema
//
// Every kind is declared once in a [Registry] before use:
//
//	reg := store.NewRegistry()
//	reg.MustRegister(store.Kind{
//	    Name:      "Account",
//	    Versioned: true,
//	    Properties: []store.Property{
//	        {Name: "Email", StorageName: "email", Type: store.TypeString, Indexed: true},
//	        {Name: "Balance", Type: store.TypeInt},
//	    },
//	})
//
// Data read from the store is checked against the declaration; a mismatch is a
// [*SchemaError] rather than a silently defaulted field.
//
// # Reads
//
// [Store.Get] fetches by key. [Store.GetOneBy] fetches the single entity matching
// an indexed property and fails with [ErrAmbiguousResult] if several match.
// [Store.GetBy] returns an [Iterator] that fetches one page per round trip; its
// [Iterator.Query] can be persisted and passed to [Store.Resume] later.
//
// # Writes
//
// [Store.Create], [Store.Update] and [Store.Delete] each run in their own atomic
// transaction. Writes to versioned kinds fail with [ErrVersionConflict] when the
// stored version moved since the entity was read; the engine never retries.
//
// Several writes can be grouped in a [Transaction]:
//
//	tx, err := s.Begin(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Abandon(ctx)
//	if err := tx.PushSave(from); err != nil {
//	    return err
//	}
//	if err := tx.PushSave(to); err != nil {
//	    return err
//	}
//	results, err := tx.Commit(ctx)
//
// # Errors
//
// Failures are reported through sentinel errors to be tested with errors.Is:
//
//   - [ErrNotFound] - no entity under the key, or no query match
//   - [ErrAlreadyExists] - an explicit key is already taken
//   - [ErrVersionConflict] - the stored version differs from the expected one
//   - [ErrTransactionConflict] - a batch commit was rejected
//   - [ErrSchemaMismatch] - data does not match the kind declaration
//   - [ErrInterrupted] - the call was cancelled, its remote effect is unknown
package store
