package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestCatalog(t *testing.T, clock clockwork.Clock) (*Catalog, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Package{}))

	catalog, err := NewCatalog(Config{Database: db, Clock: clock, TTL: time.Minute})
	require.NoError(t, err)
	return catalog, db
}

func testPackage(code string, price int64, level int) Package {
	return Package{
		Code:                   code,
		Name:                   code,
		Price:                  decimal.NewFromInt(price),
		DirectCommissionRate:   decimal.RequireFromString("0.2"),
		GroupCommissionRate:    decimal.RequireFromString("0.1"),
		ManagementRateF1:       decimal.RequireFromString("0.15"),
		ReconsumptionThreshold: decimal.NewFromInt(1000),
		ReconsumptionRequired:  decimal.NewFromInt(100),
		Level:                  level,
		IsActive:               true,
	}
}

func TestLookupServesCachedPackageUntilTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	catalog, db := newTestCatalog(t, clock)
	ctx := context.Background()

	_, err := catalog.Create(ctx, testPackage("ctv", 100, 1))
	require.NoError(t, err)

	first, err := catalog.Lookup(ctx, "CTV")
	require.NoError(t, err)
	require.Equal(t, "CTV", first.Code)

	// Change the row behind the cache's back.
	require.NoError(t, db.Model(&Package{}).Where("code = ?", "CTV").
		Update("direct_commission_rate", decimal.RequireFromString("0.3")).Error)

	cached, err := catalog.Lookup(ctx, "ctv")
	require.NoError(t, err)
	require.True(t, cached.DirectCommissionRate.Equal(decimal.RequireFromString("0.2")))

	clock.Advance(2 * time.Minute)
	fresh, err := catalog.Lookup(ctx, "CTV")
	require.NoError(t, err)
	require.True(t, fresh.DirectCommissionRate.Equal(decimal.RequireFromString("0.3")))
}

func TestInvalidateDropsCachedTiers(t *testing.T) {
	catalog, db := newTestCatalog(t, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := catalog.Create(ctx, testPackage("CTV", 100, 1))
	require.NoError(t, err)
	tiers, err := catalog.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1)

	npp := testPackage("NPP", 500, 2)
	npp.ID = "npp"
	require.NoError(t, db.Create(&npp).Error)

	tiers, err = catalog.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1, "expected stale cache before invalidation")

	catalog.Invalidate()
	tiers, err = catalog.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	require.Equal(t, "NPP", tiers[0].Code, "tiers are ordered by descending price")
}

func TestTiersSkipInactivePackages(t *testing.T) {
	catalog, _ := newTestCatalog(t, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := catalog.Create(ctx, testPackage("CTV", 100, 1))
	require.NoError(t, err)
	retired := testPackage("OLD", 50, 0)
	retired.IsActive = false
	_, err = catalog.Create(ctx, retired)
	require.NoError(t, err)

	tiers, err := catalog.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	require.Equal(t, "CTV", tiers[0].Code)
}

func TestCreateValidatesPackages(t *testing.T) {
	catalog, _ := newTestCatalog(t, clockwork.NewFakeClock())
	ctx := context.Background()

	testCases := []struct {
		name     string
		mutate   func(*Package)
		expected error
	}{
		{name: "reserved code", mutate: func(p *Package) { p.Code = "none" }, expected: ErrInvalidCode},
		{name: "empty code", mutate: func(p *Package) { p.Code = "  " }, expected: ErrInvalidCode},
		{name: "rate above one", mutate: func(p *Package) { p.GroupCommissionRate = decimal.RequireFromString("1.5") }, expected: ErrInvalidRate},
		{name: "negative third generation", mutate: func(p *Package) {
			p.ManagementRateF3 = decimal.NewNullDecimal(decimal.RequireFromString("-0.1"))
		}, expected: ErrInvalidRate},
		{name: "negative price", mutate: func(p *Package) { p.Price = decimal.NewFromInt(-1) }, expected: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			pkg := testPackage("X1", 10, 0)
			testCase.mutate(&pkg)
			_, err := catalog.Create(ctx, pkg)
			require.True(t, errors.Is(err, testCase.expected), "expected %v, got %v", testCase.expected, err)
		})
	}
}

func TestUpdateAndDeleteInvalidateCache(t *testing.T) {
	catalog, _ := newTestCatalog(t, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := catalog.Create(ctx, testPackage("CTV", 100, 1))
	require.NoError(t, err)
	_, err = catalog.Lookup(ctx, "CTV")
	require.NoError(t, err)

	changed := testPackage("CTV", 120, 1)
	changed.ManagementRateF2 = decimal.NewNullDecimal(decimal.RequireFromString("0.05"))
	_, err = catalog.Update(ctx, "ctv", changed)
	require.NoError(t, err)

	reloaded, err := catalog.Lookup(ctx, "CTV")
	require.NoError(t, err)
	require.True(t, reloaded.Price.Equal(decimal.NewFromInt(120)))
	require.True(t, reloaded.ManagementRate(2).Equal(decimal.RequireFromString("0.05")))
	require.True(t, reloaded.ManagementRate(3).IsZero())

	require.NoError(t, catalog.Delete(ctx, "CTV"))
	_, err = catalog.Lookup(ctx, "CTV")
	require.ErrorIs(t, err, ErrPackageNotFound)
	require.ErrorIs(t, catalog.Delete(ctx, "CTV"), ErrPackageNotFound)
}

func TestInvalidateDuringLoadIsNotOverwritten(t *testing.T) {
	catalog, db := newTestCatalog(t, clockwork.NewFakeClock())
	ctx := context.Background()

	_, err := catalog.Create(ctx, testPackage("CTV", 100, 1))
	require.NoError(t, err)

	// Once the lookup has read the row, change it and invalidate before the result is cached.
	const hook = "catalog_test:concurrent_update"
	fired := false
	require.NoError(t, db.Callback().Query().After("gorm:query").Register(hook, func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "packages" {
			return
		}
		fired = true
		require.NoError(t, db.Model(&Package{}).Where("code = ?", "CTV").
			Update("direct_commission_rate", decimal.RequireFromString("0.3")).Error)
		catalog.Invalidate()
	}))
	defer func() {
		require.NoError(t, db.Callback().Query().Remove(hook))
	}()

	stale, err := catalog.Lookup(ctx, "CTV")
	require.NoError(t, err)
	require.True(t, stale.DirectCommissionRate.Equal(decimal.RequireFromString("0.2")))
	require.True(t, fired)

	fresh, err := catalog.Lookup(ctx, "CTV")
	require.NoError(t, err)
	require.True(t, fresh.DirectCommissionRate.Equal(decimal.RequireFromString("0.3")))
}
