package commission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	created []Commission
	paid    []Commission
}

func (n *recordingNotifier) CommissionCreated(_ context.Context, commission Commission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, commission)
}

func (n *recordingNotifier) CommissionPaid(_ context.Context, commission Commission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, commission)
}

type engineFixture struct {
	t        *testing.T
	db       *gorm.DB
	service  *Service
	tree     *tree.Store
	orders   *orders.Store
	catalog  *catalog.Catalog
	notifier *recordingNotifier
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "commission.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&tree.Participant{},
		&catalog.Package{},
		&orders.Order{},
		&Commission{},
		&Calculation{},
	))

	packages, err := catalog.NewCatalog(catalog.Config{Database: db, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = packages.Create(ctx, catalog.Package{
		Code:                   "CTV",
		Name:                   "CTV",
		Price:                  dec("100"),
		DirectCommissionRate:   dec("0.2"),
		GroupCommissionRate:    dec("0.1"),
		ManagementRateF1:       dec("0.15"),
		ReconsumptionThreshold: dec("30"),
		ReconsumptionRequired:  dec("100"),
		Level:                  1,
		IsActive:               true,
	})
	require.NoError(t, err)
	_, err = packages.Create(ctx, catalog.Package{
		Code:                   "NPP",
		Name:                   "NPP",
		Price:                  dec("500"),
		DirectCommissionRate:   dec("0.25"),
		GroupCommissionRate:    dec("0.15"),
		ManagementRateF1:       dec("0.15"),
		ManagementRateF2:       decimal.NewNullDecimal(dec("0.1")),
		ManagementRateF3:       decimal.NewNullDecimal(dec("0.1")),
		ReconsumptionThreshold: dec("5000"),
		ReconsumptionRequired:  dec("500"),
		Level:                  2,
		IsActive:               true,
	})
	require.NoError(t, err)

	store, err := tree.NewStore(tree.StoreConfig{Database: db, MaxDepth: 64})
	require.NoError(t, err)
	rules, err := eligibility.NewService(eligibility.ServiceConfig{Tree: store, Catalog: packages})
	require.NoError(t, err)
	orderStore := orders.NewStore(db)
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Tree:        store,
		Catalog:     packages,
		Eligibility: rules,
		Orders:      orderStore,
		Notifier:    notifier,
		Clock:       func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)

	return &engineFixture{
		t:        t,
		db:       db,
		service:  service,
		tree:     store,
		orders:   orderStore,
		catalog:  packages,
		notifier: notifier,
	}
}

type placement struct {
	id      string
	parent  string
	side    tree.Position
	sponsor string
	pkg     string
}

func (f *engineFixture) place(placements ...placement) {
	f.t.Helper()
	for _, p := range placements {
		participant := tree.Participant{ID: p.id, Position: p.side, PackageType: p.pkg}
		if p.parent != "" {
			parent := p.parent
			participant.ParentID = &parent
		}
		if p.sponsor != "" {
			sponsor := p.sponsor
			participant.ReferralUserID = &sponsor
		}
		require.NoError(f.t, f.tree.Create(context.Background(), &participant))
	}
}

func (f *engineFixture) confirmedOrder(id, buyerID, amount string) string {
	f.t.Helper()
	order := orders.Order{ID: id, BuyerID: buyerID, TotalAmount: dec(amount), Status: orders.StatusConfirmed}
	require.NoError(f.t, f.orders.Create(context.Background(), &order))
	return id
}

func (f *engineFixture) participant(id string) tree.Participant {
	f.t.Helper()
	participant, err := f.tree.Get(context.Background(), id)
	require.NoError(f.t, err)
	return participant
}

func (f *engineFixture) addVolume(id string, side tree.Position, amount string) {
	f.t.Helper()
	require.NoError(f.t, f.tree.AddBranchVolume(context.Background(), id, side, dec(amount)))
}

func (f *engineFixture) commissionsFor(orderID string, commissionType Type) []Commission {
	f.t.Helper()
	commissions, err := f.service.store.ListForOrder(context.Background(), orderID, commissionType)
	require.NoError(f.t, err)
	return commissions
}

func (f *engineFixture) ledger(orderID string) Calculation {
	f.t.Helper()
	calculation, err := f.service.store.GetCalculation(context.Background(), orderID)
	require.NoError(f.t, err)
	return calculation
}

func requireAmount(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(expected).Equal(actual), "expected amount %s, got %s", expected, actual)
}
