package store

import "context"

// Query describes a single-property equality query. It is a plain value that can be
// persisted and handed back to Store.Resume.
type Query struct {
	Kind     string `json:"kind"`
	Property string `json:"property"`
	Value    Value  `json:"value"`

	// PageSize is the number of entities requested per round trip.
	// 0 selects the kind's page size, then Config.DefaultPageSize.
	PageSize int `json:"page_size,omitempty"`

	// Cursor is the position to resume from. Empty starts at the beginning.
	Cursor string `json:"cursor,omitempty"`
}

// Iterator walks the results of a GetBy query one page at a time. Only the current
// page is buffered; the next one is fetched when the caller advances past it.
// An Iterator must not be used from several goroutines at once.
type Iterator struct {
	store *Store
	query Query
	req   QueryRequest

	page []EntityResult
	pos  int

	// cursor is the position after the last entity returned by Next.
	cursor string
	// endCursor is the position after the last buffered entity.
	endCursor string
	more      bool
	pages     int
}

// Next returns the next entity, fetching a new page if the current one is
// exhausted. It returns ErrIteratorDone when no entities remain.
func (it *Iterator) Next(ctx context.Context) (*Entity, error) {
	for it.pos >= len(it.page) {
		if !it.more {
			return nil, ErrIteratorDone
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}

	r := it.page[it.pos]
	it.pos++
	switch {
	case r.Cursor != "":
		it.cursor = r.Cursor
	case it.pos == len(it.page):
		it.cursor = it.endCursor
	}
	return it.store.registry.FromRaw(r.Key, r.Version, r.Properties)
}

// NextPage returns the entities left in the current page, or the next page when the
// current one is exhausted. It returns ErrIteratorDone when no entities remain.
func (it *Iterator) NextPage(ctx context.Context) ([]*Entity, error) {
	for it.pos >= len(it.page) {
		if !it.more {
			return nil, ErrIteratorDone
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]*Entity, 0, len(it.page)-it.pos)
	for it.pos < len(it.page) {
		e, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Cursor returns the position after the last entity returned.
func (it *Iterator) Cursor() string {
	return it.cursor
}

// Query returns the query descriptor positioned at Cursor.
func (it *Iterator) Query() Query {
	q := it.query
	q.Cursor = it.cursor
	return q
}

// Pages returns the number of pages fetched from the store so far.
func (it *Iterator) Pages() int {
	return it.pages
}

func (it *Iterator) fetch(ctx context.Context) error {
	req := it.req
	req.Cursor = it.endCursor

	it.store.logger.Debug().
		Str("op", "query").
		Str("kind", req.Kind.Name).
		Str("property", req.Property).
		Int("page", it.pages+1).
		Msg("remote call")
	batch, err := it.store.conn.RunQuery(ctx, req)
	if err != nil {
		return it.store.connError(ctx, "query", err)
	}

	it.page = batch.Entities
	it.pos = 0
	it.pages++
	if batch.EndCursor != "" {
		it.endCursor = batch.EndCursor
	}
	it.more = batch.MoreResults && batch.EndCursor != "" && len(batch.Entities) >= req.Limit
	return nil
}
