package syncstore

import "context"

// Page is one slice of a server-side query result.
type Page struct {
	Rows       []Record
	TotalCount int
}

// Backend is the data-access collaborator this core consumes. It must filter
// and sort server-side with the same semantics the query signature encodes;
// beyond that the core is agnostic over whatever protocol the implementation
// speaks.
type Backend interface {
	// QueryPage returns rows [offset, offset+limit) of the filtered, sorted
	// collection along with the total matching count.
	QueryPage(ctx context.Context, entityType string, filters map[string]string, sort SortSpec, offset, limit int) (Page, error)

	// WriteEntity creates (id == "") or patches an entity and returns the
	// server's resulting record, including any server-computed fields.
	WriteEntity(ctx context.Context, entityType string, id ID, patch Record) (Record, error)

	// DeleteEntity removes an entity.
	DeleteEntity(ctx context.Context, entityType string, id ID) error

	// SearchPage returns one ranked page from the full-text search service.
	SearchPage(ctx context.Context, entityType, query string, filters map[string]string, page, pageSize int) (Page, error)

	// SubscribeRealtime starts delivering push events for an entity type.
	// The returned function stops delivery; it must be safe to call once.
	SubscribeRealtime(entityType string, onEvent func(Change)) (func(), error)
}
