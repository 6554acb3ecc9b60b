package tree

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, maxDepth int) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tree.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Participant{}); err != nil {
		t.Fatalf("failed to migrate participants: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, MaxDepth: maxDepth})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func mustPlace(t *testing.T, store *Store, id, parentID string, side Position, packageType string) Participant {
	t.Helper()
	participant := Participant{ID: id, Position: side, PackageType: packageType}
	if parentID != "" {
		parent := parentID
		participant.ParentID = &parent
	}
	if err := store.Create(context.Background(), &participant); err != nil {
		t.Fatalf("failed to create participant %s: %v", id, err)
	}
	return participant
}

func TestLineageReportsSideUnderEachAncestor(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "root", "", "", "NPP")
	mustPlace(t, store, "a", "root", PositionLeft, "CTV")
	mustPlace(t, store, "b", "a", PositionRight, "")
	buyer := mustPlace(t, store, "c", "b", PositionLeft, "")

	lineage, err := store.Lineage(ctx, buyer, 0)
	if err != nil {
		t.Fatalf("unexpected lineage error: %v", err)
	}
	expected := []struct {
		id         string
		side       Position
		generation int
	}{
		{id: "b", side: PositionLeft, generation: 1},
		{id: "a", side: PositionRight, generation: 2},
		{id: "root", side: PositionLeft, generation: 3},
	}
	if len(lineage) != len(expected) {
		t.Fatalf("expected %d ancestors, got %d", len(expected), len(lineage))
	}
	for index, want := range expected {
		got := lineage[index]
		if got.Participant.ID != want.id || got.Side != want.side || got.Generation != want.generation {
			t.Fatalf("ancestor %d: expected %+v, got id=%s side=%s generation=%d", index, want, got.Participant.ID, got.Side, got.Generation)
		}
	}

	limited, err := store.Lineage(ctx, buyer, 2)
	if err != nil {
		t.Fatalf("unexpected limited lineage error: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 ancestors with a generation limit, got %d", len(limited))
	}
}

func TestLineageDetectsCycle(t *testing.T) {
	store, db := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "x", "", "", "")
	mustPlace(t, store, "y", "x", PositionLeft, "")
	start := mustPlace(t, store, "z", "y", PositionRight, "")
	if err := db.Model(&Participant{}).Where("id = ?", "x").Updates(map[string]interface{}{"parent_id": "z", "position": PositionLeft}).Error; err != nil {
		t.Fatalf("failed to corrupt placement: %v", err)
	}

	lineage, err := store.Lineage(ctx, start, 0)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(lineage) != 2 {
		t.Fatalf("expected the two ancestors visited before the cycle, got %d", len(lineage))
	}
}

func TestLineageEnforcesDepthCap(t *testing.T) {
	store, _ := newTestStore(t, 3)
	ctx := context.Background()
	mustPlace(t, store, "n0", "", "", "")
	mustPlace(t, store, "n1", "n0", PositionLeft, "")
	mustPlace(t, store, "n2", "n1", PositionLeft, "")
	mustPlace(t, store, "n3", "n2", PositionLeft, "")
	leaf := mustPlace(t, store, "n4", "n3", PositionLeft, "")

	_, err := store.Lineage(ctx, leaf, 0)
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestCreateRejectsOccupiedSlot(t *testing.T) {
	store, _ := newTestStore(t, 0)
	mustPlace(t, store, "parent", "", "", "")
	mustPlace(t, store, "first", "parent", PositionLeft, "")

	parent := "parent"
	second := Participant{ID: "second", ParentID: &parent, Position: PositionLeft}
	err := store.Create(context.Background(), &second)
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected slot taken error, got %v", err)
	}
}

func TestHasBothLegs(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "p", "", "", "")
	mustPlace(t, store, "l", "p", PositionLeft, "")

	both, err := store.HasBothLegs(ctx, "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if both {
		t.Fatalf("expected a single leg")
	}

	mustPlace(t, store, "r", "p", PositionRight, "")
	both, err = store.HasBothLegs(ctx, "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !both {
		t.Fatalf("expected both legs")
	}
}

func TestAddBranchVolumeConcurrentIncrements(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "ancestor", "", "", "")

	const workers = 24
	delta := decimal.RequireFromString("12.5")
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < workers; index++ {
		group.Go(func() error {
			return store.AddBranchVolume(groupCtx, "ancestor", PositionRight, delta)
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent increments failed: %v", err)
	}

	stored, err := store.Get(ctx, "ancestor")
	if err != nil {
		t.Fatalf("failed to reload ancestor: %v", err)
	}
	expected := delta.Mul(decimal.NewFromInt(workers))
	if !stored.RightBranchTotal.Equal(expected) {
		t.Fatalf("expected right branch %s, got %s", expected, stored.RightBranchTotal)
	}
	if !stored.LeftBranchTotal.IsZero() {
		t.Fatalf("expected left branch untouched, got %s", stored.LeftBranchTotal)
	}

	if err := store.AddBranchVolume(ctx, "ancestor", PositionRight, delta.Neg()); err != nil {
		t.Fatalf("subtract failed: %v", err)
	}
	stored, _ = store.Get(ctx, "ancestor")
	if !stored.RightBranchTotal.Equal(expected.Sub(delta)) {
		t.Fatalf("expected right branch %s after subtraction, got %s", expected.Sub(delta), stored.RightBranchTotal)
	}

	if err := store.AddBranchVolume(ctx, "missing", PositionLeft, delta); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected not found for missing ancestor, got %v", err)
	}
}

func TestCreditCommissionTripsThreshold(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "earner", "", "", "CTV")
	threshold := decimal.NewFromInt(50)

	result, err := store.CreditCommission(ctx, "earner", decimal.NewFromInt(30), threshold)
	if err != nil {
		t.Fatalf("unexpected credit error: %v", err)
	}
	if result.Tripped {
		t.Fatalf("did not expect a trip below threshold")
	}

	result, err = store.CreditCommission(ctx, "earner", decimal.NewFromInt(20), threshold)
	if err != nil {
		t.Fatalf("unexpected credit error: %v", err)
	}
	if !result.Tripped {
		t.Fatalf("expected threshold trip at 50")
	}
	stored, _ := store.Get(ctx, "earner")
	if stored.PackageType != "NONE" || stored.LapsedPackageType != "CTV" {
		t.Fatalf("expected NONE with lapsed CTV, got %s/%s", stored.PackageType, stored.LapsedPackageType)
	}
	if !stored.TotalCommissionReceived.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected counter 50, got %s", stored.TotalCommissionReceived)
	}
	if stored.RateTier() != "CTV" {
		t.Fatalf("expected rate tier CTV, got %q", stored.RateTier())
	}
}

func TestApplyPurchaseResetsCounterOnTierChange(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "buyer", "", "", "")
	if _, err := store.CreditCommission(ctx, "buyer", decimal.NewFromInt(7), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("unexpected credit error: %v", err)
	}

	if err := store.ApplyPurchase(ctx, "buyer", decimal.NewFromInt(100), "NPP", true); err != nil {
		t.Fatalf("unexpected purchase error: %v", err)
	}
	stored, _ := store.Get(ctx, "buyer")
	if stored.PackageType != "NPP" {
		t.Fatalf("expected NPP, got %s", stored.PackageType)
	}
	if !stored.TotalCommissionReceived.IsZero() {
		t.Fatalf("expected counter reset, got %s", stored.TotalCommissionReceived)
	}
	if !stored.TotalPurchaseAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected purchase total 100, got %s", stored.TotalPurchaseAmount)
	}
}

func TestCountSubtreeAndOrphanChildren(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	mustPlace(t, store, "top", "", "", "")
	mustPlace(t, store, "l", "top", PositionLeft, "")
	mustPlace(t, store, "r", "top", PositionRight, "")
	mustPlace(t, store, "ll", "l", PositionLeft, "")

	count, err := store.CountSubtree(ctx, "l")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 participants under l, got %d", count)
	}

	orphaned, err := store.OrphanChildren(ctx, "top")
	if err != nil {
		t.Fatalf("unexpected orphan error: %v", err)
	}
	if orphaned != 2 {
		t.Fatalf("expected 2 orphaned children, got %d", orphaned)
	}
	left, _ := store.Get(ctx, "l")
	if left.Parent() != "" {
		t.Fatalf("expected l to be a root, got parent %q", left.Parent())
	}
}
