package items

import (
	"context"

	"github.com/meridian-erp/meridian-erp/internal/masterdata/shared"
)

// StockMarker seeds the per-(store, item) opening-balance marker when an item
// is created for its originating store.
type StockMarker interface {
	SeedOpeningBalance(ctx context.Context, storeID, itemID, openingBalance int64) error
}

type Service struct {
	repo   Repository
	marker StockMarker
}

func NewService(repo Repository, marker StockMarker) *Service {
	return &Service{repo: repo, marker: marker}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Item, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, shared.ErrInvalidID
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, companyID int64, code string) (Item, error) {
	if companyID <= 0 || code == "" {
		return Item{}, shared.ErrValidation
	}
	return s.repo.GetByCode(ctx, companyID, code)
}

// Create stores the item and, when a store is given, seeds its opening-balance
// marker. The opening balance applies only to this originating store; any
// other store later gets a zero marker lazily.
func (s *Service) Create(ctx context.Context, input CreateInput) (Item, error) {
	if err := s.validate(input.Item); err != nil {
		return Item{}, err
	}
	if input.OpeningBalance < 0 {
		return Item{}, shared.ErrValidation
	}
	created, err := s.repo.Create(ctx, input.Item)
	if err != nil {
		return Item{}, err
	}
	if input.StoreID > 0 && s.marker != nil {
		if err := s.marker.SeedOpeningBalance(ctx, input.StoreID, created.ID, input.OpeningBalance); err != nil {
			return Item{}, err
		}
	}
	return created, nil
}

func (s *Service) Update(ctx context.Context, id int64, item Item) error {
	if id <= 0 {
		return shared.ErrInvalidID
	}
	if err := s.validate(item); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, item)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return shared.ErrInvalidID
	}
	return s.repo.Delete(ctx, id)
}
