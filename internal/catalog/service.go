// internal/catalog/service.go
package catalog

import (
	"context"
	"errors"

	"cuhkszlibrary/internal/circulation"
)

// ErrDuplicateISBN is returned by a Repository when another resource already uses the ISBN.
var ErrDuplicateISBN = errors.New("catalog: duplicate isbn")

// ErrResourceInUse is returned by a Repository when a resource still has active loans.
var ErrResourceInUse = errors.New("catalog: resource has active loans")

// Service defines the interface for the catalog service.
type Service interface {
	AddResource(ctx context.Context, in ResourceInput) (*Resource, error)
	GetResource(ctx context.Context, id int64) (*Resource, error)
	ListResources(ctx context.Context) ([]Resource, error)
	Search(ctx context.Context, query string) ([]Resource, error)
	EditResource(ctx context.Context, id int64, in ResourceInput) (*Resource, error)
	RetireResource(ctx context.Context, id int64) error
}

// Repository persists resources. Get returns nil with no error when the
// resource does not exist or is retired.
type Repository interface {
	InsertResource(ctx context.Context, r *Resource) (int64, error)
	GetResource(ctx context.Context, id int64) (*Resource, error)
	ListResources(ctx context.Context) ([]Resource, error)
	SearchResources(ctx context.Context, query string, limit int) ([]Resource, error)
	RetireResource(ctx context.Context, id int64) (bool, error)
}

// Editor applies edits to a resource. The circulation engine implements it,
// so every write of the counts goes through the same guarded transaction.
type Editor interface {
	EditResource(ctx context.Context, resourceID int64, details circulation.ResourceDetails, total, available int) error
}
