// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cuhkszlibrary/internal/circulation"
)

const searchLimit = 50

var (
	errRequiredFields = circulation.NewError(circulation.KindInvalidInput, "Please enter all required fields.")
	errCopiesRequired = circulation.NewError(circulation.KindInvalidInput, "Please provide total_copies and available_copies.")
	errEmptyQuery     = circulation.NewError(circulation.KindInvalidInput, "Please provide a search query.")
	errDuplicateISBN  = circulation.ErrDuplicateISBN
	errInUse          = circulation.NewError(circulation.KindInvalidInput, "Resource has active loans and cannot be deleted.")
	errNotFound       = circulation.NewError(circulation.KindNotFound, "Resource not found.")
)

// service implements the Service interface.
type service struct {
	repo   Repository
	editor Editor
	logger *zap.Logger
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, editor Editor, logger *zap.Logger) Service {
	return &service{
		repo:   repo,
		editor: editor,
		logger: logger.Named("catalog"),
	}
}

func normalize(d Details) Details {
	return Details{
		Title:        strings.TrimSpace(d.Title),
		Author:       strings.TrimSpace(d.Author),
		ISBN:         strings.TrimSpace(d.ISBN),
		ResourceType: strings.TrimSpace(d.ResourceType),
		Location:     strings.TrimSpace(d.Location),
	}
}

func validateDetails(d Details) error {
	if d.Title == "" || d.Author == "" || d.ResourceType == "" || d.Location == "" {
		return errRequiredFields
	}
	return nil
}

func (s *service) storageError(op string, err error) error {
	s.logger.Error("catalog storage failure", zap.String("op", op), zap.Error(err))
	return circulation.StorageFailure(fmt.Errorf("%s: %w", op, err))
}

// AddResource creates a new resource. Total copies default to 1 and available
// copies default to the total.
func (s *service) AddResource(ctx context.Context, in ResourceInput) (*Resource, error) {
	details := normalize(in.Details)
	if err := validateDetails(details); err != nil {
		return nil, err
	}

	total := 1
	if in.TotalCopies != nil {
		total = *in.TotalCopies
	}
	available := total
	if in.AvailableCopies != nil {
		available = *in.AvailableCopies
	}
	if err := circulation.CheckCopyCounts(total, available); err != nil {
		return nil, err
	}

	r := &Resource{
		Title:           details.Title,
		Author:          details.Author,
		ISBN:            details.ISBN,
		ResourceType:    details.ResourceType,
		Location:        details.Location,
		TotalCopies:     total,
		AvailableCopies: available,
		Status:          StatusActive,
	}

	id, err := s.repo.InsertResource(ctx, r)
	if errors.Is(err, ErrDuplicateISBN) {
		return nil, errDuplicateISBN
	}
	if err != nil {
		return nil, s.storageError("insert resource", err)
	}
	r.ID = id

	s.logger.Info("resource added", zap.Int64("resource_id", id), zap.String("title", r.Title))
	return r, nil
}

// GetResource retrieves an active resource by its ID.
func (s *service) GetResource(ctx context.Context, id int64) (*Resource, error) {
	r, err := s.repo.GetResource(ctx, id)
	if err != nil {
		return nil, s.storageError("get resource", err)
	}
	if r == nil {
		return nil, errNotFound
	}
	return r, nil
}

func (s *service) ListResources(ctx context.Context) ([]Resource, error) {
	resources, err := s.repo.ListResources(ctx)
	if err != nil {
		return nil, s.storageError("list resources", err)
	}
	return resources, nil
}

// Search matches the query against title, author and ISBN.
func (s *service) Search(ctx context.Context, query string) ([]Resource, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errEmptyQuery
	}

	resources, err := s.repo.SearchResources(ctx, query, searchLimit)
	if err != nil {
		return nil, s.storageError("search resources", err)
	}
	return resources, nil
}

// EditResource replaces the details and both copy counts of a resource. The
// circulation engine validates the counts and writes everything in one
// transaction, so a rejected edit changes nothing.
func (s *service) EditResource(ctx context.Context, id int64, in ResourceInput) (*Resource, error) {
	details := normalize(in.Details)
	if err := validateDetails(details); err != nil {
		return nil, err
	}
	if in.TotalCopies == nil || in.AvailableCopies == nil {
		return nil, errCopiesRequired
	}
	if err := circulation.CheckCopyCounts(*in.TotalCopies, *in.AvailableCopies); err != nil {
		return nil, err
	}

	if err := s.editor.EditResource(ctx, id, details, *in.TotalCopies, *in.AvailableCopies); err != nil {
		return nil, err
	}

	s.logger.Info("resource edited", zap.Int64("resource_id", id))
	return s.GetResource(ctx, id)
}

// RetireResource marks a resource as retired. Resources with active loans
// cannot be retired.
func (s *service) RetireResource(ctx context.Context, id int64) error {
	retired, err := s.repo.RetireResource(ctx, id)
	if errors.Is(err, ErrResourceInUse) {
		return errInUse
	}
	if err != nil {
		return s.storageError("retire resource", err)
	}
	if !retired {
		return errNotFound
	}

	s.logger.Info("resource retired", zap.Int64("resource_id", id))
	return nil
}
