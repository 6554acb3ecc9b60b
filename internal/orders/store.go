package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store persists orders.
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

// Get loads the order identified by id.
func (s *Store) Get(ctx context.Context, id string) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// Create inserts a new order.
func (s *Store) Create(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// Transition moves the order from one of the from statuses to next. It fails with
// ErrInvalidTransition when the stored status changed concurrently.
func (s *Store) Transition(ctx context.Context, id string, from Status, next Status, at time.Time) error {
	updates := map[string]interface{}{"status": next}
	if next == StatusConfirmed {
		updates["confirmed_at"] = at
	}
	result := s.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is no longer %s", ErrInvalidTransition, id, from)
	}
	return nil
}

// MarkReconsumption flags the order as a reconsumption purchase.
func (s *Store) MarkReconsumption(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ?", id).
		Update("is_reconsumption", true).Error
}

// ListByBuyer returns the buyer's orders, newest first. An empty status list returns every order.
func (s *Store) ListByBuyer(ctx context.Context, buyerID string, statuses ...Status) ([]Order, error) {
	query := s.db.WithContext(ctx).Where("buyer_id = ?", buyerID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var orders []Order
	if err := query.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// DeleteByBuyer removes every order placed by buyerID.
func (s *Store) DeleteByBuyer(ctx context.Context, buyerID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("buyer_id = ?", buyerID).Delete(&Order{})
	return result.RowsAffected, result.Error
}
