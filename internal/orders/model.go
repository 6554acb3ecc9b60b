package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var (
	// ErrOrderNotFound indicates that the order does not exist.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("orders: invalid status")
	// ErrInvalidAmount indicates a non-positive order amount.
	ErrInvalidAmount = errors.New("orders: invalid amount")
	// ErrBuyerNotFound indicates that the buyer is not a registered participant.
	ErrBuyerNotFound = errors.New("orders: buyer not found")
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// CanTransition reports whether an order may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// VolumeBearing reports whether an order in this status has been confirmed at some point.
func (s Status) VolumeBearing() bool {
	switch s {
	case StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered:
		return true
	default:
		return false
	}
}

// Order is a purchase placed by a participant.
type Order struct {
	ID              string          `gorm:"column:id;primaryKey;size:64;not null"`
	BuyerID         string          `gorm:"column:buyer_id;size:64;not null;index"`
	TotalAmount     decimal.Decimal `gorm:"column:total_amount;type:decimal(28,8);not null"`
	Status          Status          `gorm:"column:status;size:16;not null;index"`
	TransactionHash string          `gorm:"column:transaction_hash;size:190;not null;default:''"`
	IsReconsumption bool            `gorm:"column:is_reconsumption;not null"`
	ConfirmedAt     *time.Time      `gorm:"column:confirmed_at"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}
