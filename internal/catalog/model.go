package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NoPackage is the package code of a participant without an active tier.
const NoPackage = "NONE"

const maxCodeLength = 32

var (
	// ErrPackageNotFound indicates that no package exists for the requested code.
	ErrPackageNotFound = errors.New("catalog: package not found")
	// ErrInvalidCode indicates an empty, reserved or oversized package code.
	ErrInvalidCode = errors.New("catalog: invalid package code")
	// ErrInvalidRate indicates a rate outside the closed interval [0, 1].
	ErrInvalidRate = errors.New("catalog: invalid rate")
	// ErrInvalidAmount indicates a negative price or threshold.
	ErrInvalidAmount = errors.New("catalog: invalid amount")
)

// Package is a tier configuration bundle: its price and the commission rates it pays out.
type Package struct {
	ID                     string              `gorm:"column:id;primaryKey;size:64;not null"`
	Code                   string              `gorm:"column:code;size:32;not null;uniqueIndex"`
	Name                   string              `gorm:"column:name;size:190;not null"`
	Description            string              `gorm:"column:description;type:text"`
	Price                  decimal.Decimal     `gorm:"column:price;type:decimal(28,8);not null"`
	DirectCommissionRate   decimal.Decimal     `gorm:"column:direct_commission_rate;type:decimal(8,4);not null"`
	GroupCommissionRate    decimal.Decimal     `gorm:"column:group_commission_rate;type:decimal(8,4);not null"`
	ManagementRateF1       decimal.Decimal     `gorm:"column:management_rate_f1;type:decimal(8,4);not null"`
	ManagementRateF2       decimal.NullDecimal `gorm:"column:management_rate_f2;type:decimal(8,4)"`
	ManagementRateF3       decimal.NullDecimal `gorm:"column:management_rate_f3;type:decimal(8,4)"`
	ReconsumptionThreshold decimal.Decimal     `gorm:"column:reconsumption_threshold;type:decimal(28,8);not null"`
	ReconsumptionRequired  decimal.Decimal     `gorm:"column:reconsumption_required;type:decimal(28,8);not null"`
	Level                  int                 `gorm:"column:level;not null;default:0;index"`
	IsActive               bool                `gorm:"column:is_active;not null"`
	CreatedAt              time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Package) TableName() string {
	return "packages"
}

// ManagementRate returns the override rate for generation 1-3. Undefined generations yield zero.
func (p Package) ManagementRate(generation int) decimal.Decimal {
	switch generation {
	case 1:
		return p.ManagementRateF1
	case 2:
		if p.ManagementRateF2.Valid {
			return p.ManagementRateF2.Decimal
		}
	case 3:
		if p.ManagementRateF3.Valid {
			return p.ManagementRateF3.Decimal
		}
	}
	return decimal.Zero
}

// Outranks reports whether p sits above other in the tier ordering.
func (p Package) Outranks(other Package) bool {
	if p.Price.Equal(other.Price) {
		return p.Level > other.Level
	}
	return p.Price.GreaterThan(other.Price)
}

// NormalizeCode trims and upper-cases a package code.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsTierCode reports whether code names a tier rather than the absence of one.
func IsTierCode(code string) bool {
	normalized := NormalizeCode(code)
	return normalized != "" && normalized != NoPackage
}

func (p Package) validate() error {
	code := NormalizeCode(p.Code)
	if code == "" || code == NoPackage || len(code) > maxCodeLength {
		return ErrInvalidCode
	}
	for _, rate := range []decimal.Decimal{
		p.DirectCommissionRate,
		p.GroupCommissionRate,
		p.ManagementRateF1,
		p.ManagementRate(2),
		p.ManagementRate(3),
	} {
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return ErrInvalidRate
		}
	}
	if p.Price.IsNegative() || p.ReconsumptionThreshold.IsNegative() || p.ReconsumptionRequired.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}
