package commission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies a commission by the rule that produced it.
type Type string

const (
	TypeDirect     Type = "DIRECT"
	TypeGroup      Type = "GROUP"
	TypeManagement Type = "MANAGEMENT"
	TypeMilestone  Type = "MILESTONE"
)

// Status is the payout state of a commission.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusBlocked Status = "BLOCKED"
	StatusPaid    Status = "PAID"
)

const (
	noteBlocked         = "Blocked: Reconsumption required"
	noteNoPackage       = "Blocked: No active package"
	milestoneNoteFormat = "Milestone Reward #%s"
)

var (
	// ErrCommissionNotFound indicates that the commission does not exist.
	ErrCommissionNotFound = errors.New("commission: commission not found")
	// ErrCommissionNotPending indicates an approval of a commission that is not PENDING.
	ErrCommissionNotPending = errors.New("commission: commission is not pending")
	// ErrDuplicateCommission indicates that an identical commission was already recorded.
	ErrDuplicateCommission = errors.New("commission: duplicate commission")
	// ErrRecursionLimit indicates that management recursion exceeded the configured depth.
	ErrRecursionLimit = errors.New("commission: management recursion limit exceeded")
	// ErrInvalidAmount indicates a non-positive reward amount.
	ErrInvalidAmount = errors.New("commission: invalid amount")
	// ErrInvalidMilestone indicates an empty milestone identifier.
	ErrInvalidMilestone = errors.New("commission: invalid milestone id")
	// ErrInvalidType indicates an unknown commission type.
	ErrInvalidType = errors.New("commission: invalid type")
	// ErrInvalidStatus indicates an unknown commission status.
	ErrInvalidStatus = errors.New("commission: invalid status")
	// ErrCalculationNotFound indicates that no calculation ledger entry exists for the order.
	ErrCalculationNotFound = errors.New("commission: calculation not found")
	// ErrRedriveNotAllowed indicates a re-drive of a calculation that completed or left commissions behind.
	ErrRedriveNotAllowed = errors.New("commission: re-drive not allowed")
)

// ParseType validates raw input and returns a Type.
func ParseType(raw string) (Type, error) {
	candidate := Type(strings.ToUpper(strings.TrimSpace(raw)))
	switch candidate {
	case TypeDirect, TypeGroup, TypeManagement, TypeMilestone:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, raw)
	}
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch candidate {
	case StatusPending, StatusBlocked, StatusPaid:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Commission is a single payable (or blocked) reward owed to a participant.
type Commission struct {
	ID                 string          `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	UserID             string          `gorm:"column:user_id;size:64;not null;index;uniqueIndex:idx_commissions_once,priority:2;uniqueIndex:idx_commissions_milestone,priority:1" json:"userId"`
	OrderID            *string         `gorm:"column:order_id;size:64;index;uniqueIndex:idx_commissions_once,priority:1" json:"orderId,omitempty"`
	FromUserID         *string         `gorm:"column:from_user_id;size:64;index" json:"fromUserId,omitempty"`
	Type               Type            `gorm:"column:type;size:16;not null;uniqueIndex:idx_commissions_once,priority:3" json:"type"`
	Status             Status          `gorm:"column:status;size:16;not null;index" json:"status"`
	Amount             decimal.Decimal `gorm:"column:amount;type:decimal(28,8);not null" json:"amount"`
	OrderAmount        decimal.Decimal `gorm:"column:order_amount;type:decimal(28,8);not null" json:"orderAmount"`
	Side               string          `gorm:"column:side;size:8;not null;default:'';uniqueIndex:idx_commissions_once,priority:4" json:"side,omitempty"`
	Level              int             `gorm:"column:level;not null;default:0;uniqueIndex:idx_commissions_once,priority:5" json:"level,omitempty"`
	SourceCommissionID string          `gorm:"column:source_commission_id;size:64;not null;default:'';uniqueIndex:idx_commissions_once,priority:6" json:"sourceCommissionId,omitempty"`
	MilestoneID        *string         `gorm:"column:milestone_id;size:64;uniqueIndex:idx_commissions_milestone,priority:2" json:"milestoneId,omitempty"`
	Notes              string          `gorm:"column:notes;type:text" json:"notes,omitempty"`
	PaidAt             *time.Time      `gorm:"column:paid_at" json:"paidAt,omitempty"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Commission) TableName() string {
	return "commissions"
}

// Order returns the order id or an empty string for milestone rewards.
func (c Commission) Order() string {
	if c.OrderID == nil {
		return ""
	}
	return *c.OrderID
}

// Calculation is the ledger row claimed by the first calculation of an order.
type Calculation struct {
	OrderID       string     `gorm:"column:order_id;primaryKey;size:64;not null"`
	Outcome       Outcome    `gorm:"column:outcome;size:16;not null"`
	FailedStages  string     `gorm:"column:failed_stages;size:190;not null;default:''"`
	TierApplied   bool       `gorm:"column:tier_applied;not null"`
	VolumeApplied bool       `gorm:"column:volume_applied;not null"`
	LastError     string     `gorm:"column:last_error;type:text"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	StartedAt     time.Time  `gorm:"column:started_at;not null"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Calculation) TableName() string {
	return "commission_calculations"
}
