package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestOpenSeedsDefaultPackagesOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	var packages []catalog.Package
	if err := database.Order("level ASC").Find(&packages).Error; err != nil {
		testContext.Fatalf("failed to load packages: %v", err)
	}
	if len(packages) != 2 || packages[0].Code != "CTV" || packages[1].Code != "NPP" {
		testContext.Fatalf("unexpected seeded packages %#v", packages)
	}
	if !packages[1].ManagementRate(3).Equal(decimal.RequireFromString("0.1")) {
		testContext.Fatalf("unexpected NPP F3 rate %s", packages[1].ManagementRate(3))
	}
	if packages[0].ManagementRateF2.Valid {
		testContext.Fatalf("expected CTV F2 rate to be undefined")
	}

	if err := database.Model(&catalog.Package{}).Where("code = ?", "CTV").Update("direct_commission_rate", "0.3").Error; err != nil {
		testContext.Fatalf("failed to edit package: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-run migrations: %v", err)
	}

	var count int64
	if err := database.Model(&catalog.Package{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count packages: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected seeding to run once, got %d packages", count)
	}
	var ctv catalog.Package
	if err := database.Where("code = ?", "CTV").Take(&ctv).Error; err != nil {
		testContext.Fatalf("failed to reload CTV: %v", err)
	}
	if !ctv.DirectCommissionRate.Equal(decimal.RequireFromString("0.3")) {
		testContext.Fatalf("expected operator edit to survive, got %s", ctv.DirectCommissionRate)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedDefaultPackages).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("postgres", "dsn", nil); err == nil {
		testContext.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open(DriverSQLite, " ", nil); err == nil {
		testContext.Fatalf("expected error for empty dsn")
	}
}
