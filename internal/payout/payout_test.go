package payout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type payoutFixture struct {
	service     *Service
	commissions *commission.Service
	tree        *tree.Store
	orders      *orders.Store
}

func newPayoutFixture(t *testing.T) payoutFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "payout.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&tree.Participant{}, &catalog.Package{}, &orders.Order{}, &commission.Commission{}, &commission.Calculation{}))

	packages, err := catalog.NewCatalog(catalog.Config{Database: db})
	require.NoError(t, err)
	_, err = packages.Create(context.Background(), catalog.Package{
		Code:                   "CTV",
		Name:                   "CTV",
		Price:                  decimal.NewFromInt(100),
		DirectCommissionRate:   decimal.RequireFromString("0.2"),
		GroupCommissionRate:    decimal.RequireFromString("0.1"),
		ManagementRateF1:       decimal.RequireFromString("0.15"),
		ReconsumptionThreshold: decimal.NewFromInt(30),
		ReconsumptionRequired:  decimal.NewFromInt(100),
		Level:                  1,
		IsActive:               true,
	})
	require.NoError(t, err)

	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	require.NoError(t, err)
	rules, err := eligibility.NewService(eligibility.ServiceConfig{Tree: store, Catalog: packages})
	require.NoError(t, err)
	orderStore := orders.NewStore(db)
	commissions, err := commission.NewService(commission.ServiceConfig{
		Database:    db,
		Tree:        store,
		Catalog:     packages,
		Eligibility: rules,
		Orders:      orderStore,
	})
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{Commissions: commissions})
	require.NoError(t, err)
	return payoutFixture{service: service, commissions: commissions, tree: store, orders: orderStore}
}

func (f payoutFixture) confirmedOrder(t *testing.T, id, buyerID string, amount int64) {
	t.Helper()
	order := orders.Order{ID: id, BuyerID: buyerID, TotalAmount: decimal.NewFromInt(amount), Status: orders.StatusConfirmed}
	require.NoError(t, f.orders.Create(context.Background(), &order))
	f.commissions.CalculateCommissions(context.Background(), id)
}

func TestPayoutOrderCommissionsPaysPendingOnly(t *testing.T) {
	fixture := newPayoutFixture(t)
	ctx := context.Background()
	sponsorID := "sponsor"
	require.NoError(t, fixture.tree.Create(ctx, &tree.Participant{ID: sponsorID, PackageType: "CTV"}))
	require.NoError(t, fixture.tree.Create(ctx, &tree.Participant{ID: "buyer", ReferralUserID: &sponsorID}))

	fixture.confirmedOrder(t, "order-1", "buyer", 100)
	report, err := fixture.service.PayoutOrderCommissions(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, report.Paid, 1)
	require.Empty(t, report.Failed)
	require.Zero(t, report.Blocked)
	require.True(t, decimal.NewFromInt(20).Equal(report.TotalPaid))

	again, err := fixture.service.PayoutOrderCommissions(ctx, "order-1")
	require.NoError(t, err)
	require.Empty(t, again.Paid)
	require.True(t, again.TotalPaid.IsZero())

	// The second order trips the threshold; the third is blocked and stays unpaid.
	fixture.confirmedOrder(t, "order-2", "buyer", 100)
	fixture.confirmedOrder(t, "order-3", "buyer", 100)
	blocked, err := fixture.service.PayoutOrderCommissions(ctx, "order-3")
	require.NoError(t, err)
	require.Empty(t, blocked.Paid)
	require.Equal(t, 1, blocked.Blocked)

	stats, err := fixture.commissions.GetStats(ctx, sponsorID)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(20).Equal(stats.Total))
	require.True(t, decimal.NewFromInt(20).Equal(stats.Pending))
}

func TestPayoutOfUnknownOrderIsEmpty(t *testing.T) {
	fixture := newPayoutFixture(t)
	report, err := fixture.service.PayoutOrderCommissions(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, report.Paid)
	require.Equal(t, "missing", report.OrderID)
}

func TestNewServiceRequiresCommissions(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.ErrorIs(t, err, errMissingCommissions)
}
