package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/ids"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedDefaultPackages = "2026-10-01_seed_default_packages"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationSeedDefaultPackages, apply: seedDefaultPackages},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func defaultPackages() []catalog.Package {
	return []catalog.Package{
		{
			Code:                   "CTV",
			Name:                   "Cộng Tác Viên",
			Description:            "Gói Cộng Tác Viên cơ bản",
			Price:                  decimal.RequireFromString("0.0001"),
			DirectCommissionRate:   decimal.RequireFromString("0.2"),
			GroupCommissionRate:    decimal.RequireFromString("0.1"),
			ManagementRateF1:       decimal.RequireFromString("0.15"),
			ReconsumptionThreshold: decimal.RequireFromString("0.001"),
			ReconsumptionRequired:  decimal.RequireFromString("0.0001"),
			Level:                  1,
			IsActive:               true,
		},
		{
			Code:                   "NPP",
			Name:                   "Nhà Phân Phối",
			Description:            "Gói Nhà Phân Phối cao cấp",
			Price:                  decimal.RequireFromString("0.001"),
			DirectCommissionRate:   decimal.RequireFromString("0.25"),
			GroupCommissionRate:    decimal.RequireFromString("0.15"),
			ManagementRateF1:       decimal.RequireFromString("0.15"),
			ManagementRateF2:       decimal.NewNullDecimal(decimal.RequireFromString("0.1")),
			ManagementRateF3:       decimal.NewNullDecimal(decimal.RequireFromString("0.1")),
			ReconsumptionThreshold: decimal.RequireFromString("0.01"),
			ReconsumptionRequired:  decimal.RequireFromString("0.001"),
			Level:                  2,
			IsActive:               true,
		},
	}
}

// seedDefaultPackages inserts the CTV and NPP tiers unless a package with the same code exists.
func seedDefaultPackages(db *gorm.DB) error {
	idProvider := ids.NewUUIDProvider()
	return db.Transaction(func(tx *gorm.DB) error {
		for _, pkg := range defaultPackages() {
			var count int64
			if err := tx.Model(&catalog.Package{}).Where("code = ?", pkg.Code).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			id, err := idProvider.NewID()
			if err != nil {
				return err
			}
			pkg.ID = id
			if err := tx.Create(&pkg).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
