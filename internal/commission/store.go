package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryID        = "id = ?"
	queryOrderID   = "order_id = ?"
	orderNewest    = "created_at DESC"
	defaultListCap = 500
)

// Filter narrows commission listings. Zero fields match everything.
type Filter struct {
	UserID  string
	OrderID string
	Type    Type
	Status  Status
	Limit   int
}

// Store persists commissions and the calculation ledger.
type Store struct {
	db *gorm.DB
}

// NewStore binds a Store to the provided database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Create inserts a commission. A violation of the once-per-combination index yields
// ErrDuplicateCommission.
func (s *Store) Create(ctx context.Context, commission *Commission) error {
	err := s.db.WithContext(ctx).Create(commission).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s %s for %s", ErrDuplicateCommission, commission.Type, commission.Order(), commission.UserID)
	}
	return err
}

// Get loads the commission identified by id.
func (s *Store) Get(ctx context.Context, id string) (Commission, error) {
	var commission Commission
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&commission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Commission{}, fmt.Errorf("%w: %s", ErrCommissionNotFound, id)
	}
	if err != nil {
		return Commission{}, err
	}
	return commission, nil
}

// CountForOrder counts the commissions that reference orderID.
func (s *Store) CountForOrder(ctx context.Context, orderID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Commission{}).Where(queryOrderID, orderID).Count(&count).Error
	return count, err
}

// ListForOrder returns the commissions of orderID in creation order, optionally limited to types.
func (s *Store) ListForOrder(ctx context.Context, orderID string, types ...Type) ([]Commission, error) {
	query := s.db.WithContext(ctx).Where(queryOrderID, orderID)
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}
	var commissions []Commission
	if err := query.Order("created_at ASC").Order("id ASC").Find(&commissions).Error; err != nil {
		return nil, err
	}
	return commissions, nil
}

// List returns commissions matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Commission, error) {
	query := s.db.WithContext(ctx)
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.OrderID != "" {
		query = query.Where(queryOrderID, filter.OrderID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > defaultListCap {
		limit = defaultListCap
	}
	var commissions []Commission
	if err := query.Order(orderNewest).Order("id DESC").Limit(limit).Find(&commissions).Error; err != nil {
		return nil, err
	}
	return commissions, nil
}

// FindMilestone returns the milestone reward already granted to userID for milestoneID.
func (s *Store) FindMilestone(ctx context.Context, userID, milestoneID string) (Commission, bool, error) {
	var commission Commission
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND milestone_id = ?", userID, milestoneID).
		Take(&commission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Commission{}, false, nil
	}
	if err != nil {
		return Commission{}, false, err
	}
	return commission, true, nil
}

// MarkPaid moves a PENDING commission to PAID. It reports false when the commission is missing
// or no longer PENDING.
func (s *Store) MarkPaid(ctx context.Context, id, notes string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":  StatusPaid,
		"paid_at": at,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	result := s.db.WithContext(ctx).
		Model(&Commission{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AmountsForUser returns every commission of userID reduced to the fields stats need.
func (s *Store) AmountsForUser(ctx context.Context, userID string) ([]Commission, error) {
	var commissions []Commission
	err := s.db.WithContext(ctx).
		Select("id", "type", "status", "amount").
		Where("user_id = ?", userID).
		Find(&commissions).Error
	return commissions, err
}

// DeleteForParticipant removes the commissions participantID received or generated, including
// every commission that references one of orderIDs.
func (s *Store) DeleteForParticipant(ctx context.Context, participantID string, orderIDs ...string) (int64, error) {
	query := s.db.WithContext(ctx).Where("user_id = ? OR from_user_id = ?", participantID, participantID)
	if len(orderIDs) > 0 {
		query = query.Or("order_id IN ?", orderIDs)
	}
	result := query.Delete(&Commission{})
	return result.RowsAffected, result.Error
}

// Claim inserts the ledger row for orderID. It reports false when another calculation already
// claimed the order.
func (s *Store) Claim(ctx context.Context, calculation Calculation) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&calculation)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Reclaim restarts the ledger row read as calculation, keeping its applied-stage flags. It
// reports false when the row changed since it was read.
func (s *Store) Reclaim(ctx context.Context, calculation Calculation, startedAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Calculation{}).
		Where("order_id = ? AND outcome = ? AND attempts = ?", calculation.OrderID, calculation.Outcome, calculation.Attempts).
		Updates(map[string]interface{}{
			"outcome":       OutcomeRunning,
			"attempts":      calculation.Attempts + 1,
			"started_at":    startedAt,
			"finished_at":   nil,
			"failed_stages": "",
			"last_error":    "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UncalculatedOrders returns the ids of CONFIRMED orders without a ledger row, oldest first.
func (s *Store) UncalculatedOrders(ctx context.Context, limit int) ([]string, error) {
	query := s.db.WithContext(ctx).
		Model(&orders.Order{}).
		Joins("LEFT JOIN commission_calculations ON commission_calculations.order_id = orders.id").
		Where("orders.status = ? AND commission_calculations.order_id IS NULL", orders.StatusConfirmed).
		Order("orders.created_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var orderIDs []string
	if err := query.Pluck("orders.id", &orderIDs).Error; err != nil {
		return nil, err
	}
	return orderIDs, nil
}

// GetCalculation loads the ledger row of orderID.
func (s *Store) GetCalculation(ctx context.Context, orderID string) (Calculation, error) {
	var calculation Calculation
	err := s.db.WithContext(ctx).Where(queryOrderID, orderID).Take(&calculation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Calculation{}, fmt.Errorf("%w: %s", ErrCalculationNotFound, orderID)
	}
	if err != nil {
		return Calculation{}, err
	}
	return calculation, nil
}

// UpdateCalculation applies column updates to the ledger row of orderID.
func (s *Store) UpdateCalculation(ctx context.Context, orderID string, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).
		Model(&Calculation{}).
		Where(queryOrderID, orderID).
		Updates(updates).Error
}

// DeleteCalculations removes the ledger rows of orderIDs.
func (s *Store) DeleteCalculations(ctx context.Context, orderIDs ...string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("order_id IN ?", orderIDs).Delete(&Calculation{}).Error
}

// VolumeAppliedOrders returns the subset of orderIDs whose branch volume has been applied.
func (s *Store) VolumeAppliedOrders(ctx context.Context, orderIDs ...string) ([]string, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	var applied []string
	err := s.db.WithContext(ctx).
		Model(&Calculation{}).
		Where("order_id IN ? AND volume_applied = ?", orderIDs, true).
		Pluck("order_id", &applied).Error
	return applied, err
}
