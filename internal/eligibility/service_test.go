package eligibility

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type serviceFixture struct {
	service *Service
	tree    *tree.Store
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "eligibility.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&tree.Participant{}, &catalog.Package{}))

	packages, err := catalog.NewCatalog(catalog.Config{Database: db, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	for _, tier := range testTiers() {
		tier.Name = tier.Code
		tier.IsActive = true
		tier.DirectCommissionRate = dollars("0.2")
		tier.GroupCommissionRate = dollars("0.1")
		tier.ManagementRateF1 = dollars("0.15")
		_, err := packages.Create(context.Background(), tier)
		require.NoError(t, err)
	}

	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{Tree: store, Catalog: packages})
	require.NoError(t, err)
	return serviceFixture{service: service, tree: store}
}

func TestApplyPurchaseUpgradesAndAccumulates(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, fixture.tree.Create(ctx, &tree.Participant{ID: "buyer"}))

	transition, err := fixture.service.ApplyPurchase(ctx, "buyer", dollars("60"))
	require.NoError(t, err)
	require.False(t, transition.Changed())

	transition, err = fixture.service.ApplyPurchase(ctx, "buyer", dollars("60"))
	require.NoError(t, err)
	require.Equal(t, ReasonUpgrade, transition.Reason)
	require.Equal(t, "CTV", transition.To)

	stored, err := fixture.tree.Get(ctx, "buyer")
	require.NoError(t, err)
	require.Equal(t, "CTV", stored.PackageType)
	require.True(t, stored.TotalPurchaseAmount.Equal(dollars("120")))
}

func TestCreditBlocksAndPurchaseRestores(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, fixture.tree.Create(ctx, &tree.Participant{ID: "earner", PackageType: "CTV"}))

	earner, err := fixture.tree.Get(ctx, "earner")
	require.NoError(t, err)
	standing, tier, err := fixture.service.Standing(ctx, earner)
	require.NoError(t, err)
	require.Equal(t, StandingEligible, standing)

	result, err := fixture.service.Credit(ctx, "earner", dollars("1000"), tier)
	require.NoError(t, err)
	require.True(t, result.Tripped)

	standing, _, err = fixture.service.Standing(ctx, result.Participant)
	require.NoError(t, err)
	require.Equal(t, StandingBlocked, standing)

	transition, err := fixture.service.ApplyPurchase(ctx, "earner", dollars("100"))
	require.NoError(t, err)
	require.Equal(t, ReasonRestore, transition.Reason)

	restored, err := fixture.tree.Get(ctx, "earner")
	require.NoError(t, err)
	require.Equal(t, "CTV", restored.PackageType)
	require.Empty(t, restored.LapsedPackageType)
	require.True(t, restored.TotalCommissionReceived.IsZero())

	standing, _, err = fixture.service.Standing(ctx, restored)
	require.NoError(t, err)
	require.Equal(t, StandingEligible, standing)
}

func TestStandingTreatsUnknownPackageAsNoTier(t *testing.T) {
	fixture := newServiceFixture(t)
	standing, _, err := fixture.service.Standing(context.Background(), tree.Participant{ID: "ghost", PackageType: "GOLD"})
	require.NoError(t, err)
	require.Equal(t, StandingNoTier, standing)
}
