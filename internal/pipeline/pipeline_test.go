package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/payout"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const completionTimeout = 5 * time.Second

type pipelineFixture struct {
	pipeline    *Pipeline
	orders      *orders.Service
	commissions *commission.Service
	tree        *tree.Store
}

func newPipelineFixture(t *testing.T, autoPayout bool, queueSize int) pipelineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db")), &gorm.Config{TranslateError: true})
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
		ReconsumptionThreshold: decimal.NewFromInt(1000),
		ReconsumptionRequired:  decimal.NewFromInt(100),
		Level:                  1,
		IsActive:               true,
	})
	require.NoError(t, err)

	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	require.NoError(t, err)
	rules, err := eligibility.NewService(eligibility.ServiceConfig{Tree: store, Catalog: packages})
	require.NoError(t, err)
	orderService, err := orders.NewService(orders.ServiceConfig{Database: db, Tree: store, Eligibility: rules})
	require.NoError(t, err)
	commissions, err := commission.NewService(commission.ServiceConfig{
		Database:    db,
		Tree:        store,
		Catalog:     packages,
		Eligibility: rules,
		Orders:      orderService,
	})
	require.NoError(t, err)
	payouts, err := payout.NewService(payout.ServiceConfig{Commissions: commissions})
	require.NoError(t, err)
	pipeline, err := New(Config{
		Commissions: commissions,
		Payout:      payouts,
		Workers:     2,
		QueueSize:   queueSize,
		AutoPayout:  autoPayout,
	})
	require.NoError(t, err)
	orderService.OnConfirmed(pipeline)

	sponsorID := "sponsor"
	require.NoError(t, store.Create(context.Background(), &tree.Participant{ID: sponsorID, PackageType: "CTV"}))
	require.NoError(t, store.Create(context.Background(), &tree.Participant{
		ID:             "buyer",
		ParentID:       &sponsorID,
		Position:       tree.PositionLeft,
		ReferralUserID: &sponsorID,
	}))
	return pipelineFixture{pipeline: pipeline, orders: orderService, commissions: commissions, tree: store}
}

func startPipeline(t *testing.T, pipeline *Pipeline) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = pipeline.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel
}

func awaitCompletion(t *testing.T, done <-chan Completion) Completion {
	t.Helper()
	select {
	case completion := <-done:
		return completion
	case <-time.After(completionTimeout):
		t.Fatal("timed out waiting for pipeline completion")
		return Completion{}
	}
}

func TestSubmitCalculatesAndPaysOut(t *testing.T) {
	fixture := newPipelineFixture(t, true, 8)
	startPipeline(t, fixture.pipeline)
	ctx := context.Background()

	fixture.orders.OnConfirmed(nil)
	order, err := fixture.orders.Create(ctx, orders.CreateRequest{BuyerID: "buyer", TotalAmount: decimal.NewFromInt(100), TransactionHash: "0xabc"})
	require.NoError(t, err)

	done, err := fixture.pipeline.Submit(ctx, order.ID)
	require.NoError(t, err)
	completion := awaitCompletion(t, done)
	require.NoError(t, completion.Err)
	require.Equal(t, commission.OutcomeCompleted, completion.Result.Outcome)
	require.NotNil(t, completion.Payout)
	require.Len(t, completion.Payout.Paid, 1)
	require.True(t, decimal.NewFromInt(20).Equal(completion.Payout.TotalPaid))

	stats, err := fixture.commissions.GetStats(ctx, "sponsor")
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(20).Equal(stats.Total))
	require.True(t, stats.Pending.IsZero())
}

func TestConfirmedOrdersFlowThroughPipeline(t *testing.T) {
	fixture := newPipelineFixture(t, false, 8)
	startPipeline(t, fixture.pipeline)
	ctx := context.Background()

	order, err := fixture.orders.Create(ctx, orders.CreateRequest{BuyerID: "buyer", TotalAmount: decimal.NewFromInt(100), TransactionHash: "0xdef"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		commissions, err := fixture.commissions.GetCommissionsByOrder(ctx, order.ID)
		return err == nil && len(commissions) == 1
	}, completionTimeout, 20*time.Millisecond)

	commissions, err := fixture.commissions.GetCommissionsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, commission.StatusPending, commissions[0].Status)

	// Resubmitting a calculated order is a skipped no-op and pays nothing without auto payout.
	done, err := fixture.pipeline.Submit(ctx, order.ID)
	require.NoError(t, err)
	completion := awaitCompletion(t, done)
	require.Equal(t, commission.OutcomeSkipped, completion.Result.Outcome)
	require.Nil(t, completion.Payout)
}

func TestSubmitRejectsWhenQueueIsFull(t *testing.T) {
	fixture := newPipelineFixture(t, false, 1)
	ctx := context.Background()

	_, err := fixture.pipeline.Submit(ctx, "order-a")
	require.NoError(t, err)
	_, err = fixture.pipeline.Submit(ctx, "order-b")
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestStoppedPipelineCalculatesQueuedOrders(t *testing.T) {
	fixture := newPipelineFixture(t, false, 4)
	ctx := context.Background()

	fixture.orders.OnConfirmed(nil)
	order, err := fixture.orders.Create(ctx, orders.CreateRequest{BuyerID: "buyer", TotalAmount: decimal.NewFromInt(100), TransactionHash: "0x123"})
	require.NoError(t, err)
	done, err := fixture.pipeline.Submit(ctx, order.ID)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, fixture.pipeline.Run(runCtx))

	completion := awaitCompletion(t, done)
	require.NoError(t, completion.Err)
	require.Equal(t, commission.OutcomeCompleted, completion.Result.Outcome)
	require.Len(t, completion.Result.Commissions, 1)

	_, err = fixture.pipeline.Submit(ctx, "order-b")
	require.ErrorIs(t, err, ErrStopped)
}

func TestRecoverCalculatesOrdersConfirmedWithoutPipeline(t *testing.T) {
	fixture := newPipelineFixture(t, false, 4)
	ctx := context.Background()

	fixture.orders.OnConfirmed(nil)
	order, err := fixture.orders.Create(ctx, orders.CreateRequest{BuyerID: "buyer", TotalAmount: decimal.NewFromInt(100), TransactionHash: "0x456"})
	require.NoError(t, err)
	pending, err := fixture.orders.Create(ctx, orders.CreateRequest{BuyerID: "buyer", TotalAmount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	recovered, err := fixture.pipeline.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	commissions, err := fixture.commissions.GetCommissionsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, commissions, 1)
	commissions, err = fixture.commissions.GetCommissionsByOrder(ctx, pending.ID)
	require.NoError(t, err)
	require.Empty(t, commissions)

	recovered, err = fixture.pipeline.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)
}

func TestNewRequiresPayoutForAutoPayout(t *testing.T) {
	fixture := newPipelineFixture(t, false, 1)
	_, err := New(Config{Commissions: fixture.commissions, AutoPayout: true})
	require.ErrorIs(t, err, errMissingPayout)
}
