package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxDepth caps ancestor walks when no explicit limit is configured.
const DefaultMaxDepth = 4096

const (
	queryID           = "id = ?"
	queryParent       = "parent_id = ?"
	queryParentSide   = "parent_id = ? AND position = ?"
	orderCreatedAsc   = "created_at ASC"
	columnPurchase    = "total_purchase_amount"
	columnReconsume   = "total_reconsumption_amount"
	columnCommission  = "total_commission_received"
	columnPackage     = "package_type"
	columnLapsed      = "lapsed_package_type"
	columnParent      = "parent_id"
	decimalParam      = "CAST(? AS DECIMAL(28,8))"
	incrementTemplate = "%s + " + decimalParam
	decrementTemplate = "%s - " + decimalParam
)

var errMissingDatabase = errors.New("tree: database handle is required")

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	MaxDepth int
}

// Store exposes read and atomic update primitives over the binary tree.
type Store struct {
	db       *gorm.DB
	maxDepth int
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Store{db: cfg.Database, maxDepth: maxDepth}, nil
}

// MaxDepth returns the configured depth cap.
func (s *Store) MaxDepth() int {
	return s.maxDepth
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, maxDepth: s.maxDepth}
}

// DB returns the handle the store writes through, the transaction when bound by WithTx.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a Store bound to a single transaction.
func (s *Store) Transaction(ctx context.Context, fn func(*Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

// Get loads the participant identified by id.
func (s *Store) Get(ctx context.Context, id string) (Participant, error) {
	var participant Participant
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	if err != nil {
		return Participant{}, err
	}
	return participant, nil
}

// GetForUpdate loads the participant and locks its row for the surrounding transaction.
func (s *Store) GetForUpdate(ctx context.Context, id string) (Participant, error) {
	var participant Participant
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryID, id).
		Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	if err != nil {
		return Participant{}, err
	}
	return participant, nil
}

// Create inserts a participant. An occupied (parent, position) slot yields ErrSlotTaken.
func (s *Store) Create(ctx context.Context, participant *Participant) error {
	if participant.PackageType == "" {
		participant.PackageType = catalog.NoPackage
	}
	err := s.db.WithContext(ctx).Create(participant).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && participant.ParentID != nil {
		return fmt.Errorf("%w: %s/%s", ErrSlotTaken, *participant.ParentID, participant.Position)
	}
	return err
}

// Child returns the direct child of parentID on side, if any.
func (s *Store) Child(ctx context.Context, parentID string, side Position) (Participant, bool, error) {
	var child Participant
	err := s.db.WithContext(ctx).
		Where(queryParentSide, parentID, side).
		Order(orderCreatedAsc).
		Take(&child).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, false, nil
	}
	if err != nil {
		return Participant{}, false, err
	}
	return child, true, nil
}

// Children returns the direct children of parentID in registration order.
func (s *Store) Children(ctx context.Context, parentID string) ([]Participant, error) {
	var children []Participant
	if err := s.db.WithContext(ctx).
		Where(queryParent, parentID).
		Order(orderCreatedAsc).
		Find(&children).Error; err != nil {
		return nil, err
	}
	return children, nil
}

// HasBothLegs reports whether id has a direct child on both the left and the right.
func (s *Store) HasBothLegs(ctx context.Context, id string) (bool, error) {
	var positions []Position
	if err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where(queryParent, id).
		Distinct().
		Pluck("position", &positions).Error; err != nil {
		return false, err
	}
	hasLeft, hasRight := false, false
	for _, position := range positions {
		switch position {
		case PositionLeft:
			hasLeft = true
		case PositionRight:
			hasRight = true
		}
	}
	return hasLeft && hasRight, nil
}

// Lineage walks parent links upward from origin, nearest ancestor first. generations > 0 stops
// the walk after that many hops. A revisited node yields ErrCycleDetected and a walk longer than
// the configured depth yields ErrDepthExceeded; the ancestors collected so far are returned with
// either error. A dangling parent reference ends the chain.
func (s *Store) Lineage(ctx context.Context, origin Participant, generations int) ([]Ancestor, error) {
	lineage := make([]Ancestor, 0, 8)
	visited := map[string]struct{}{origin.ID: {}}
	current := origin
	for current.Parent() != "" {
		if generations > 0 && len(lineage) >= generations {
			break
		}
		if len(lineage) >= s.maxDepth {
			return lineage, fmt.Errorf("%w: more than %d ancestors above %s", ErrDepthExceeded, s.maxDepth, origin.ID)
		}
		parentID := current.Parent()
		if _, seen := visited[parentID]; seen {
			return lineage, fmt.Errorf("%w: %s revisited above %s", ErrCycleDetected, parentID, origin.ID)
		}
		visited[parentID] = struct{}{}
		if !current.Position.Valid() {
			return lineage, fmt.Errorf("%w: %s has parent %s but position %q", ErrInvalidPosition, current.ID, parentID, current.Position)
		}

		parent, err := s.Get(ctx, parentID)
		if errors.Is(err, ErrParticipantNotFound) {
			break
		}
		if err != nil {
			return lineage, err
		}
		lineage = append(lineage, Ancestor{
			Participant: parent,
			Side:        current.Position,
			Generation:  len(lineage) + 1,
		})
		current = parent
	}
	return lineage, nil
}

// AddBranchVolume atomically adds delta to the side branch total of id. A negative delta
// subtracts.
func (s *Store) AddBranchVolume(ctx context.Context, id string, side Position, delta decimal.Decimal) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPosition, side)
	}
	column := branchColumn(side)
	template, direction := incrementTemplate, "add"
	if delta.IsNegative() {
		template, direction = decrementTemplate, "subtract"
		delta = delta.Neg()
	}
	result := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where(queryID, id).
		Update(column, gorm.Expr(fmt.Sprintf(template, column), delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	metrics.BranchVolumeUpdatesTotal.WithLabelValues(direction).Inc()
	return nil
}

// ApplyPurchase atomically adds amount to the lifetime purchase total and, when tier differs
// from the current package, moves the participant into tier. resetCounter zeroes the commission
// counter for the new tier period.
func (s *Store) ApplyPurchase(ctx context.Context, id string, amount decimal.Decimal, tier string, resetCounter bool) error {
	updates := map[string]interface{}{
		columnPurchase: gorm.Expr(fmt.Sprintf(incrementTemplate, columnPurchase), amount),
		columnPackage:  tier,
	}
	if catalog.IsTierCode(tier) {
		updates[columnLapsed] = ""
	}
	if resetCounter {
		updates[columnCommission] = decimal.Zero
	}
	result := s.db.WithContext(ctx).Model(&Participant{}).Where(queryID, id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	return nil
}

// AddReconsumption atomically adds amount to the participant's reconsumption total.
func (s *Store) AddReconsumption(ctx context.Context, id string, amount decimal.Decimal) error {
	result := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where(queryID, id).
		Update(columnReconsume, gorm.Expr(fmt.Sprintf(incrementTemplate, columnReconsume), amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	return nil
}

// CreditResult reports the participant state after a commission credit.
type CreditResult struct {
	Participant Participant
	// Tripped is true when this credit moved the participant to NONE.
	Tripped bool
}

// CreditCommission atomically adds amount to the commission counter of id and, when the counter
// reaches threshold, moves the participant to NONE while remembering the lapsed tier.
func (s *Store) CreditCommission(ctx context.Context, id string, amount, threshold decimal.Decimal) (CreditResult, error) {
	var result CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&Participant{}).
			Where(queryID, id).
			Update(columnCommission, gorm.Expr(fmt.Sprintf(incrementTemplate, columnCommission), amount))
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
		}

		var participant Participant
		if err := tx.Where(queryID, id).Take(&participant).Error; err != nil {
			return err
		}
		if participant.HasTier() && participant.TotalCommissionReceived.GreaterThanOrEqual(threshold) {
			lock := tx.Model(&Participant{}).
				Where("id = ? AND package_type = ?", id, participant.PackageType).
				Updates(map[string]interface{}{
					columnPackage: catalog.NoPackage,
					columnLapsed:  participant.PackageType,
				})
			if lock.Error != nil {
				return lock.Error
			}
			if lock.RowsAffected > 0 {
				participant.LapsedPackageType = participant.PackageType
				participant.PackageType = catalog.NoPackage
				result.Tripped = true
			}
		}
		result.Participant = participant
		return nil
	})
	if err != nil {
		return CreditResult{}, err
	}
	return result, nil
}

// OrphanChildren clears the parent link of every direct child of id.
func (s *Store) OrphanChildren(ctx context.Context, id string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where(queryParent, id).
		Update(columnParent, nil)
	return result.RowsAffected, result.Error
}

// Delete removes the participant row.
func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where(queryID, id).Delete(&Participant{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	return nil
}

// CountSubtree counts the participants in the subtree rooted at rootID, root included.
func (s *Store) CountSubtree(ctx context.Context, rootID string) (int, error) {
	visited := map[string]struct{}{rootID: {}}
	frontier := []string{rootID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > s.maxDepth {
			return len(visited), fmt.Errorf("%w: subtree of %s deeper than %d", ErrDepthExceeded, rootID, s.maxDepth)
		}
		var childIDs []string
		if err := s.db.WithContext(ctx).
			Model(&Participant{}).
			Where("parent_id IN ?", frontier).
			Pluck("id", &childIDs).Error; err != nil {
			return 0, err
		}
		next := make([]string, 0, len(childIDs))
		for _, childID := range childIDs {
			if _, seen := visited[childID]; seen {
				return len(visited), fmt.Errorf("%w: %s reached twice below %s", ErrCycleDetected, childID, rootID)
			}
			visited[childID] = struct{}{}
			next = append(next, childID)
		}
		frontier = next
	}
	return len(visited), nil
}
