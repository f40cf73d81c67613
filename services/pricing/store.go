package pricing

import (
	"context"

	"jam3a-engine/pkg/db/option"
	"jam3a-engine/pkg/errutil"
	"jam3a-engine/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("pricing",
	fx.Provide(NewStore),
)

// Store loads a product's tier table from the catalog tables.
type Store struct {
	products repository.Repository[Product]
	tiers    repository.Repository[ProductTier]
}

type StoreParams struct {
	fx.In
	DB *gorm.DB
}

func NewStore(p StoreParams) *Store {
	return &Store{
		products: repository.ProvideStore[Product](p.DB),
		tiers:    repository.ProvideStore[ProductTier](p.DB),
	}
}

// TableForProduct returns the product's tier table ordered by threshold.
func (s *Store) TableForProduct(ctx context.Context, productID string) (*Table, error) {
	product, err := s.products.FindOne(ctx, &Product{ID: productID})
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, errutil.NotFound("product not found", nil)
	}

	rows, err := s.tiers.Find(ctx, &ProductTier{ProductID: productID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "min_participants",
			OrderBy: "asc",
			Allow:   map[string]bool{"min_participants": true},
		}),
	)
	if err != nil {
		return nil, err
	}

	table := &Table{
		BasePrice: product.BasePrice,
		Currency:  product.Currency,
	}
	for _, row := range rows {
		table.Tiers = append(table.Tiers, Tier{
			MinParticipants: row.MinParticipants,
			UnitPrice:       row.UnitPrice,
		})
	}

	return table, nil
}
