package participants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/ids"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "participants.service.new"
	opRegister   = "participants.register"
	opRemove     = "participants.remove"
	opStats      = "participants.tree_stats"
	opDownline   = "participants.downline"

	placementRetries = 5
)

var (
	// ErrParticipantExists indicates that the requested identifier is already registered.
	ErrParticipantExists = errors.New("participants: participant already exists")
	// ErrSponsorNotFound indicates that the referenced sponsor does not exist.
	ErrSponsorNotFound = errors.New("participants: sponsor not found")
	// ErrInvalidStrategy indicates an unknown placement strategy.
	ErrInvalidStrategy = errors.New("participants: invalid placement strategy")
	// ErrNoOpenSlot indicates that no open slot could be found in the requested leg.
	ErrNoOpenSlot = errors.New("participants: no open slot")

	errMissingDatabase = errors.New("participants: database handle is required")
	errMissingTree     = errors.New("participants: tree store is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Tree       *tree.Store
	IDProvider ids.Provider
	Logger     *zap.Logger
	// PlacementBackoff overrides the retry policy used when a chosen slot is taken concurrently.
	PlacementBackoff func() backoff.BackOff
}

// RegisterRequest describes a new participant.
type RegisterRequest struct {
	// ID is generated when empty.
	ID        string
	SponsorID string
	// Side is the sponsor leg to place into; the sponsor's weak leg is used when empty.
	Side     tree.Position
	Strategy Strategy
}

// LegStats summarizes one leg of a participant.
type LegStats struct {
	Members int             `json:"members"`
	Volume  decimal.Decimal `json:"volume"`
}

// TreeStats summarizes both legs of a participant.
type TreeStats struct {
	ParticipantID string   `json:"participantId"`
	Left          LegStats `json:"left"`
	Right         LegStats `json:"right"`
	Total         int      `json:"total"`
}

// RemovalReport lists what Remove deleted or adjusted.
type RemovalReport struct {
	ParticipantID       string
	OrdersDeleted       int64
	CommissionsDeleted  int64
	ChildrenOrphaned    int64
	VolumeReversedOrder []string
}

// Service registers participants into the binary tree and removes them with volume compensation.
type Service struct {
	db         *gorm.DB
	tree       *tree.Store
	idProvider ids.Provider
	logger     *zap.Logger
	backoff    func() backoff.BackOff
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tree == nil {
		return nil, newServiceError(opServiceNew, "missing_tree", errMissingTree)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.PlacementBackoff
	if policy == nil {
		policy = func() backoff.BackOff {
			exponential := backoff.NewExponentialBackOff()
			exponential.InitialInterval = 10 * time.Millisecond
			exponential.MaxInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(exponential, placementRetries)
		}
	}
	return &Service{
		db:         cfg.Database,
		tree:       cfg.Tree,
		idProvider: idProvider,
		logger:     logger,
		backoff:    policy,
	}, nil
}

// Register places a new participant. Without a sponsor the participant becomes a root. With a
// sponsor, the participant is placed into the requested leg (or the sponsor's weak leg) using the
// requested strategy, and a slot claimed concurrently by someone else is searched again.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (tree.Participant, error) {
	id := request.ID
	if id == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return tree.Participant{}, newServiceError(opRegister, "generate_id", err)
		}
		id = generated
	}
	id, err := tree.NormalizeID(id)
	if err != nil {
		return tree.Participant{}, newServiceError(opRegister, "invalid_id", err)
	}
	if request.Side != "" && !request.Side.Valid() {
		return tree.Participant{}, newServiceError(opRegister, "invalid_side", fmt.Errorf("%w: %q", tree.ErrInvalidPosition, request.Side))
	}
	strategy, err := ParseStrategy(string(request.Strategy))
	if err != nil {
		return tree.Participant{}, newServiceError(opRegister, "invalid_strategy", err)
	}
	if _, err := s.tree.Get(ctx, id); err == nil {
		return tree.Participant{}, newServiceError(opRegister, "exists", fmt.Errorf("%w: %s", ErrParticipantExists, id))
	} else if !errors.Is(err, tree.ErrParticipantNotFound) {
		return tree.Participant{}, newServiceError(opRegister, "lookup", err)
	}

	participant := tree.Participant{ID: id}
	if request.SponsorID == "" {
		if err := s.tree.Create(ctx, &participant); err != nil {
			s.logError(opRegister, "insert_root", err, zap.String("participant_id", id))
			return tree.Participant{}, newServiceError(opRegister, "insert", err)
		}
		s.logger.Info("participant registered as root", zap.String("participant_id", id))
		return participant, nil
	}

	sponsorID := request.SponsorID
	if _, err := s.tree.Get(ctx, sponsorID); err != nil {
		if errors.Is(err, tree.ErrParticipantNotFound) {
			return tree.Participant{}, newServiceError(opRegister, "sponsor_not_found", fmt.Errorf("%w: %s", ErrSponsorNotFound, sponsorID))
		}
		return tree.Participant{}, newServiceError(opRegister, "load_sponsor", err)
	}

	attempts := 0
	place := func() error {
		attempts++
		side := request.Side
		if side == "" {
			weak, err := weakLeg(ctx, s.tree, sponsorID)
			if err != nil {
				return backoff.Permanent(err)
			}
			side = weak
		}
		slot, err := findSlot(ctx, s.tree, sponsorID, side, strategy)
		if err != nil {
			return backoff.Permanent(err)
		}
		parentID := slot.ParentID
		participant = tree.Participant{
			ID:             id,
			ParentID:       &parentID,
			Position:       slot.Position,
			ReferralUserID: &sponsorID,
		}
		err = s.tree.Create(ctx, &participant)
		if errors.Is(err, tree.ErrSlotTaken) {
			s.logger.Debug("placement slot taken, retrying",
				zap.String("participant_id", id),
				zap.String("parent_id", parentID),
				zap.String("position", slot.Position.String()),
				zap.Int("attempt", attempts),
			)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(place, backoff.WithContext(s.backoff(), ctx)); err != nil {
		s.logError(opRegister, "place", err, zap.String("participant_id", id), zap.String("sponsor_id", sponsorID))
		if errors.Is(err, tree.ErrSlotTaken) {
			return tree.Participant{}, newServiceError(opRegister, "slot_contention", err)
		}
		return tree.Participant{}, newServiceError(opRegister, "place", err)
	}

	s.logger.Info("participant registered",
		zap.String("participant_id", id),
		zap.String("sponsor_id", sponsorID),
		zap.String("parent_id", participant.Parent()),
		zap.String("position", participant.Position.String()),
		zap.String("strategy", string(strategy)),
	)
	return participant, nil
}

// Get loads a participant.
func (s *Service) Get(ctx context.Context, id string) (tree.Participant, error) {
	return s.tree.Get(ctx, id)
}

// Remove deletes a participant. In one transaction it subtracts the volume of every order whose
// volume was applied from the participant's ancestors, deletes the participant's orders,
// the commissions it received or generated and their calculation ledger, orphans its children
// and deletes the participant row.
func (s *Service) Remove(ctx context.Context, id string) (RemovalReport, error) {
	report := RemovalReport{ParticipantID: id}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		treeStore := s.tree.WithTx(tx)
		orderStore := orders.NewStore(tx)
		commissionStore := commission.NewStore(tx)

		participant, err := treeStore.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		placed, err := orderStore.ListByBuyer(ctx, id)
		if err != nil {
			return fmt.Errorf("list orders: %w", err)
		}
		orderIDs := make([]string, 0, len(placed))
		amounts := make(map[string]decimal.Decimal, len(placed))
		for _, order := range placed {
			orderIDs = append(orderIDs, order.ID)
			amounts[order.ID] = order.TotalAmount
		}

		applied, err := commissionStore.VolumeAppliedOrders(ctx, orderIDs...)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		if len(applied) > 0 {
			lineage, err := treeStore.Lineage(ctx, participant, 0)
			if err != nil {
				return fmt.Errorf("lineage: %w", err)
			}
			for _, orderID := range applied {
				for _, ancestor := range lineage {
					if err := treeStore.AddBranchVolume(ctx, ancestor.Participant.ID, ancestor.Side, amounts[orderID].Neg()); err != nil {
						return fmt.Errorf("reverse volume of %s on %s: %w", orderID, ancestor.Participant.ID, err)
					}
				}
			}
			report.VolumeReversedOrder = applied
		}

		if report.OrdersDeleted, err = orderStore.DeleteByBuyer(ctx, id); err != nil {
			return fmt.Errorf("delete orders: %w", err)
		}
		if report.CommissionsDeleted, err = commissionStore.DeleteForParticipant(ctx, id, orderIDs...); err != nil {
			return fmt.Errorf("delete commissions: %w", err)
		}
		if err := commissionStore.DeleteCalculations(ctx, orderIDs...); err != nil {
			return fmt.Errorf("delete ledger: %w", err)
		}
		if report.ChildrenOrphaned, err = treeStore.OrphanChildren(ctx, id); err != nil {
			return fmt.Errorf("orphan children: %w", err)
		}
		return treeStore.Delete(ctx, id)
	})
	if err != nil {
		if errors.Is(err, tree.ErrParticipantNotFound) {
			return RemovalReport{}, newServiceError(opRemove, "not_found", err)
		}
		s.logError(opRemove, "transaction", err, zap.String("participant_id", id))
		return RemovalReport{}, newServiceError(opRemove, "transaction", err)
	}
	s.logger.Info("participant removed",
		zap.String("participant_id", id),
		zap.Int64("orders_deleted", report.OrdersDeleted),
		zap.Int64("commissions_deleted", report.CommissionsDeleted),
		zap.Int64("children_orphaned", report.ChildrenOrphaned),
		zap.Int("volume_reversed_orders", len(report.VolumeReversedOrder)),
	)
	return report, nil
}

// TreeStats counts the members of both legs of id and reports their cumulative volume.
func (s *Service) TreeStats(ctx context.Context, id string) (TreeStats, error) {
	participant, err := s.tree.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tree.ErrParticipantNotFound) {
			return TreeStats{}, newServiceError(opStats, "not_found", err)
		}
		return TreeStats{}, newServiceError(opStats, "load", err)
	}
	stats := TreeStats{
		ParticipantID: id,
		Left:          LegStats{Volume: participant.LeftBranchTotal},
		Right:         LegStats{Volume: participant.RightBranchTotal},
	}
	for _, side := range []tree.Position{tree.PositionLeft, tree.PositionRight} {
		child, found, err := s.tree.Child(ctx, id, side)
		if err != nil {
			return TreeStats{}, newServiceError(opStats, "load_child", err)
		}
		if !found {
			continue
		}
		members, err := s.tree.CountSubtree(ctx, child.ID)
		if err != nil {
			s.logError(opStats, "count", err, zap.String("participant_id", id))
			return TreeStats{}, newServiceError(opStats, "count", err)
		}
		if side == tree.PositionLeft {
			stats.Left.Members = members
		} else {
			stats.Right.Members = members
		}
	}
	stats.Total = stats.Left.Members + stats.Right.Members
	return stats, nil
}

// Downline returns the direct binary children of id, optionally limited to one side.
func (s *Service) Downline(ctx context.Context, id string, side tree.Position) ([]tree.Participant, error) {
	if side != "" && !side.Valid() {
		return nil, newServiceError(opDownline, "invalid_side", fmt.Errorf("%w: %q", tree.ErrInvalidPosition, side))
	}
	children, err := s.tree.Children(ctx, id)
	if err != nil {
		return nil, newServiceError(opDownline, "query", err)
	}
	if side == "" {
		return children, nil
	}
	filtered := children[:0]
	for _, child := range children {
		if child.Position == side {
			filtered = append(filtered, child)
		}
	}
	return filtered, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("participants service error", attrs...)
}
