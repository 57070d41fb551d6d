// internal/catalog/domain.go
package catalog

import (
	"time"

	"cuhkszlibrary/internal/circulation"
)

// Resource lifecycle states. Retired resources keep their ledger history
// but can no longer be found, borrowed or reserved.
const (
	StatusActive  = "active"
	StatusRetired = "retired"
)

// Ledger event types appended by the catalog.
const (
	EventResourceAdded   = "ResourceAdded"
	EventResourceEdited  = circulation.EventResourceEdited
	EventResourceRetired = "ResourceRetired"
)

// Resource represents a book or other library item.
type Resource struct {
	ID              int64     `json:"resource_id" db:"resource_id"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	ISBN            string    `json:"isbn" db:"isbn"`
	ResourceType    string    `json:"resource_type" db:"resource_type"`
	Location        string    `json:"location" db:"location"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Details are the descriptive fields of a resource, everything except copies.
type Details = circulation.ResourceDetails

// ResourceInput is the body of add and edit requests. Copy counts are
// pointers so that an omitted count can be told apart from zero.
type ResourceInput struct {
	Details
	TotalCopies     *int `json:"total_copies"`
	AvailableCopies *int `json:"available_copies"`
}
