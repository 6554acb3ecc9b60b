package tree

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/shopspring/decimal"
)

// Position is the slot a participant occupies under its binary parent.
type Position string

const (
	// PositionLeft is the left leg of a binary node.
	PositionLeft Position = "left"
	// PositionRight is the right leg of a binary node.
	PositionRight Position = "right"
)

const maxIdentifierLength = 64

var (
	// ErrParticipantNotFound indicates that the participant does not exist.
	ErrParticipantNotFound = errors.New("tree: participant not found")
	// ErrInvalidParticipantID indicates an empty or oversized participant identifier.
	ErrInvalidParticipantID = errors.New("tree: invalid participant id")
	// ErrInvalidPosition indicates a position other than left or right.
	ErrInvalidPosition = errors.New("tree: invalid position")
	// ErrSlotTaken indicates that the parent already has a direct child on that side.
	ErrSlotTaken = errors.New("tree: slot already taken")
	// ErrCycleDetected indicates that an ancestor walk revisited a participant.
	ErrCycleDetected = errors.New("tree: cycle detected in binary placement")
	// ErrDepthExceeded indicates that an ancestor walk exceeded the configured depth cap.
	ErrDepthExceeded = errors.New("tree: depth limit exceeded")
	// ErrNotDescendant indicates that a participant is not below the given ancestor.
	ErrNotDescendant = errors.New("tree: participant is not a descendant")
)

// ParsePosition validates raw input and returns a Position.
func ParsePosition(raw string) (Position, error) {
	switch Position(strings.ToLower(strings.TrimSpace(raw))) {
	case PositionLeft:
		return PositionLeft, nil
	case PositionRight:
		return PositionRight, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
}

// Valid reports whether p is left or right.
func (p Position) Valid() bool {
	return p == PositionLeft || p == PositionRight
}

// Opposite returns the other leg.
func (p Position) Opposite() Position {
	if p == PositionLeft {
		return PositionRight
	}
	return PositionLeft
}

// String returns the underlying position name.
func (p Position) String() string {
	return string(p)
}

// NormalizeID validates a participant identifier.
func NormalizeID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidParticipantID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Participant is a node of the binary placement tree.
type Participant struct {
	ID                       string          `gorm:"column:id;primaryKey;size:64;not null"`
	ParentID                 *string         `gorm:"column:parent_id;size:64;uniqueIndex:idx_participants_slot,priority:1"`
	Position                 Position        `gorm:"column:position;size:8;not null;default:'';uniqueIndex:idx_participants_slot,priority:2"`
	ReferralUserID           *string         `gorm:"column:referral_user_id;size:64;index"`
	PackageType              string          `gorm:"column:package_type;size:32;not null;default:'NONE'"`
	LapsedPackageType        string          `gorm:"column:lapsed_package_type;size:32;not null;default:''"`
	TotalPurchaseAmount      decimal.Decimal `gorm:"column:total_purchase_amount;type:decimal(28,8);not null;default:0"`
	TotalReconsumptionAmount decimal.Decimal `gorm:"column:total_reconsumption_amount;type:decimal(28,8);not null;default:0"`
	TotalCommissionReceived  decimal.Decimal `gorm:"column:total_commission_received;type:decimal(28,8);not null;default:0"`
	LeftBranchTotal          decimal.Decimal `gorm:"column:left_branch_total;type:decimal(28,8);not null;default:0"`
	RightBranchTotal         decimal.Decimal `gorm:"column:right_branch_total;type:decimal(28,8);not null;default:0"`
	CreatedAt                time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}

// HasTier reports whether the participant currently holds an active package tier.
func (p Participant) HasTier() bool {
	return catalog.IsTierCode(p.PackageType)
}

// RateTier returns the tier whose rates price this participant's commissions: the active tier,
// or the tier they held when the reconsumption lock engaged. Empty when neither exists.
func (p Participant) RateTier() string {
	if p.HasTier() {
		return catalog.NormalizeCode(p.PackageType)
	}
	if catalog.IsTierCode(p.LapsedPackageType) {
		return catalog.NormalizeCode(p.LapsedPackageType)
	}
	return ""
}

// BranchTotal returns the cumulative volume of the given leg.
func (p Participant) BranchTotal(side Position) decimal.Decimal {
	if side == PositionRight {
		return p.RightBranchTotal
	}
	return p.LeftBranchTotal
}

// WeakSide returns the leg with the strictly smaller volume; ok is false on a tie.
func (p Participant) WeakSide() (side Position, ok bool) {
	switch p.LeftBranchTotal.Cmp(p.RightBranchTotal) {
	case -1:
		return PositionLeft, true
	case 1:
		return PositionRight, true
	default:
		return "", false
	}
}

// Parent returns the binary parent id or an empty string for roots and orphans.
func (p Participant) Parent() string {
	if p.ParentID == nil {
		return ""
	}
	return *p.ParentID
}

// Sponsor returns the direct sponsor id or an empty string.
func (p Participant) Sponsor() string {
	if p.ReferralUserID == nil {
		return ""
	}
	return *p.ReferralUserID
}

// Ancestor is one hop of a participant's binary lineage.
type Ancestor struct {
	Participant Participant
	// Side is the leg of Participant whose subtree contains the walk's origin.
	Side Position
	// Generation counts binary hops from the origin; the parent is generation 1.
	Generation int
}

func branchColumn(side Position) string {
	if side == PositionRight {
		return "right_branch_total"
	}
	return "left_branch_total"
}
