package pricing

import (
	"time"

	"gorm.io/datatypes"
)

// Product is the slice of the catalog this engine needs: the retail price
// and the tier table. The full catalog lives with the storefront.
type Product struct {
	ID        string         `gorm:"column:id;primaryKey"`
	Name      string         `gorm:"column:name"`
	BasePrice int64          `gorm:"column:base_price;not null"` // minor units
	Currency  string         `gorm:"column:currency;default:'SAR'"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// ProductTier is one row of a product's tier table.
type ProductTier struct {
	ID              string    `gorm:"column:id;primaryKey"`
	ProductID       string    `gorm:"column:product_id;index;not null"`
	MinParticipants int       `gorm:"column:min_participants;not null"`
	UnitPrice       int64     `gorm:"column:unit_price;not null"` // minor units
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// Tier is the in-memory form used by the resolver.
type Tier struct {
	MinParticipants int   `json:"min_participants"`
	UnitPrice       int64 `json:"unit_price"`
}

// Table is a product's ordered tier table plus its base retail price.
// Tiers must be strictly increasing in MinParticipants and non-increasing
// in UnitPrice; Validate enforces this once, at deal creation.
type Table struct {
	BasePrice int64  `json:"base_price"`
	Currency  string `json:"currency"`
	Tiers     []Tier `json:"tiers"`
}

// Quote is the resolver output for a given participant count.
type Quote struct {
	UnitPrice      int64 `json:"unit_price"`
	SavingsAmount  int64 `json:"savings_amount"`
	SavingsPercent int   `json:"savings_percent"`
}
