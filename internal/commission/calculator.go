package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ledgerRetries = 3
	// staleClaimAfter is how long a running claim must be idle before it counts as abandoned.
	staleClaimAfter = 15 * time.Minute
)

// resumeState carries the stages a re-driven calculation must not apply twice. The ledger row is
// already reclaimed when a calculation resumes.
type resumeState struct {
	tierApplied   bool
	volumeApplied bool
}

// CalculateCommissions computes every commission owed for a confirmed order. Concurrent calls for
// the same order share one run, and a claimed ledger row makes later calls no-ops. Failures never
// surface as an error: they are reported per stage in the Result, the ledger, logs and metrics.
// The run is detached from ctx cancellation.
func (s *Service) CalculateCommissions(ctx context.Context, orderID string) Result {
	value, _, _ := s.inflight.Do(orderID, func() (interface{}, error) {
		return s.calculate(context.WithoutCancel(ctx), orderID, nil), nil
	})
	return value.(Result)
}

// Redrive recomputes a calculation that ended partial, or was abandoned while running, without
// recording any commission. The ledger row is reclaimed in place, so stages whose effects were
// already persisted, the tier update and the volume update, stay recorded and are not applied
// again. The order must still be CONFIRMED.
func (s *Service) Redrive(ctx context.Context, orderID string) (Result, error) {
	value, err, _ := s.inflight.Do("redrive:"+orderID, func() (interface{}, error) {
		detached := context.WithoutCancel(ctx)
		calculation, err := s.store.GetCalculation(detached, orderID)
		if errors.Is(err, ErrCalculationNotFound) {
			return s.calculate(detached, orderID, nil), nil
		}
		if err != nil {
			return Result{}, newServiceError(opRedrive, "load_ledger", err)
		}
		abandoned := calculation.Outcome == OutcomeRunning && s.clock().Sub(calculation.StartedAt) > staleClaimAfter
		if calculation.Outcome == OutcomeCompleted || (calculation.Outcome == OutcomeRunning && !abandoned) {
			return Result{}, newServiceError(opRedrive, "not_allowed",
				fmt.Errorf("%w: calculation of %s is %s", ErrRedriveNotAllowed, orderID, calculation.Outcome))
		}
		count, err := s.store.CountForOrder(detached, orderID)
		if err != nil {
			return Result{}, newServiceError(opRedrive, "count_commissions", err)
		}
		if count > 0 {
			return Result{}, newServiceError(opRedrive, "not_allowed",
				fmt.Errorf("%w: %d commissions already reference %s", ErrRedriveNotAllowed, count, orderID))
		}
		order, err := s.orders.Get(detached, orderID)
		if err != nil {
			return Result{}, newServiceError(opRedrive, "load_order", err)
		}
		if order.Status != orders.StatusConfirmed {
			return Result{}, newServiceError(opRedrive, "not_allowed",
				fmt.Errorf("%w: order %s is %s", ErrRedriveNotAllowed, orderID, order.Status))
		}
		reclaimed, err := s.store.Reclaim(detached, calculation, s.clock().UTC())
		if err != nil {
			return Result{}, newServiceError(opRedrive, "reclaim", err)
		}
		if !reclaimed {
			return Result{}, newServiceError(opRedrive, "not_allowed",
				fmt.Errorf("%w: calculation of %s changed while re-driving", ErrRedriveNotAllowed, orderID))
		}
		s.logger.Info("re-driving commission calculation",
			zap.String("order_id", orderID),
			zap.Int("attempt", calculation.Attempts+1),
			zap.Bool("tier_applied", calculation.TierApplied),
			zap.Bool("volume_applied", calculation.VolumeApplied),
		)
		return s.calculate(detached, orderID, &resumeState{
			tierApplied:   calculation.TierApplied,
			volumeApplied: calculation.VolumeApplied,
		}), nil
	})
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

// UncalculatedOrders lists up to limit CONFIRMED orders that no calculation has claimed yet. A
// non-positive limit lists them all.
func (s *Service) UncalculatedOrders(ctx context.Context, limit int) ([]string, error) {
	orderIDs, err := s.store.UncalculatedOrders(ctx, limit)
	if err != nil {
		return nil, newServiceError(opCalculate, "list_uncalculated", err)
	}
	return orderIDs, nil
}

func (s *Service) calculate(ctx context.Context, orderID string, resume *resumeState) (result Result) {
	started := time.Now()
	result = Result{OrderID: orderID}
	logger := s.logger.With(zap.String("order_id", orderID))
	defer func() {
		metrics.CalculationsTotal.WithLabelValues(string(result.Outcome)).Inc()
		metrics.CalculationDuration.Observe(time.Since(started).Seconds())
		for _, stage := range result.FailedStages() {
			metrics.CalculationStageFailuresTotal.WithLabelValues(string(stage)).Inc()
		}
	}()

	// A resumed run owns its ledger row from the start and must close it on every path.
	skip := func(reason string) Result {
		result.Outcome = OutcomeSkipped
		result.Reason = reason
		if resume != nil {
			s.finishLedger(ctx, result)
		}
		return result
	}
	fatal := func(reason string, err error) Result {
		result.Outcome = OutcomeFatal
		result.Reason = reason
		result.record(StageLoad, err)
		s.logError(opCalculate, reason, err, zap.String("order_id", orderID))
		if resume != nil {
			s.finishLedger(ctx, result)
		}
		return result
	}

	existing, err := s.store.CountForOrder(ctx, orderID)
	if err != nil {
		return fatal("count_commissions", err)
	}
	if existing > 0 {
		logger.Warn("commissions already exist for order, skipping calculation")
		return skip(ReasonAlreadyCalculated)
	}

	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		logger.Warn("order not found, skipping calculation")
		return skip(ReasonOrderNotFound)
	}
	if err != nil {
		return fatal("load_order", err)
	}
	if order.Status != orders.StatusConfirmed {
		logger.Warn("order is not confirmed, skipping calculation", zap.String("status", string(order.Status)))
		return skip(ReasonNotConfirmed)
	}

	buyer, err := s.tree.Get(ctx, order.BuyerID)
	if errors.Is(err, tree.ErrParticipantNotFound) {
		logger.Warn("buyer not found, skipping calculation", zap.String("buyer_id", order.BuyerID))
		return skip(ReasonBuyerNotFound)
	}
	if err != nil {
		return fatal("load_buyer", err)
	}

	if resume == nil {
		claimed, err := s.store.Claim(ctx, Calculation{OrderID: orderID, Outcome: OutcomeRunning, StartedAt: s.clock().UTC(), Attempts: 1})
		if err != nil {
			return fatal("claim", err)
		}
		if !claimed {
			logger.Warn("order already claimed by another calculation")
			return skip(ReasonAlreadyCalculated)
		}
	}

	logger.Info("calculating commissions",
		zap.String("buyer_id", buyer.ID),
		zap.String("sponsor_id", buyer.Sponsor()),
		zap.String("parent_id", buyer.Parent()),
		zap.String("amount", order.TotalAmount.String()),
	)

	if resume == nil || !resume.tierApplied {
		result.record(StageTier, s.updateTier(ctx, order))
	}
	result.record(StageDirect, s.payDirect(ctx, order, buyer, &result))

	lineage, lineageErr := s.tree.Lineage(ctx, buyer, 0)
	if lineageErr != nil {
		s.logError(opCalculate, "lineage", lineageErr, zap.String("order_id", orderID))
		result.record(StageGroup, lineageErr)
		result.record(StageVolume, lineageErr)
	} else {
		result.record(StageGroup, s.payGroup(ctx, order, lineage, &result))
		if resume == nil || !resume.volumeApplied {
			result.record(StageVolume, s.applyVolume(ctx, order, lineage))
		}
	}

	result.record(StageManagement, s.payManagement(ctx, order, &result))

	if failed := result.FailedStages(); len(failed) > 0 {
		result.Outcome = OutcomePartial
		logger.Error("commission calculation finished with failed stages",
			zap.String("failed_stages", joinStages(failed)),
			zap.Error(result.Err()),
		)
	} else {
		result.Outcome = OutcomeCompleted
		logger.Info("commission calculation completed", zap.Int("commissions", len(result.Commissions)))
	}
	s.finishLedger(ctx, result)
	return result
}

// updateTier applies the purchase and marks it in the ledger in one transaction.
func (s *Service) updateTier(ctx context.Context, order orders.Order) error {
	_, err := s.eligibility.ApplyPurchaseWith(ctx, order.BuyerID, order.TotalAmount, func(tx *gorm.DB) error {
		return s.store.WithTx(tx).UpdateCalculation(ctx, order.ID, map[string]interface{}{"tier_applied": true})
	})
	if err != nil {
		return fmt.Errorf("tier update: %w", err)
	}
	return nil
}

// payDirect pays the buyer's sponsor.
func (s *Service) payDirect(ctx context.Context, order orders.Order, buyer tree.Participant, result *Result) error {
	sponsorID := buyer.Sponsor()
	if sponsorID == "" {
		s.logger.Debug("buyer has no sponsor, skipping direct commission", zap.String("order_id", order.ID))
		return nil
	}
	sponsor, err := s.tree.Get(ctx, sponsorID)
	if errors.Is(err, tree.ErrParticipantNotFound) {
		s.logger.Warn("sponsor not found, skipping direct commission",
			zap.String("order_id", order.ID),
			zap.String("sponsor_id", sponsorID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("direct: load sponsor %s: %w", sponsorID, err)
	}

	standing, tier, err := s.eligibility.Standing(ctx, sponsor)
	if err != nil {
		return fmt.Errorf("direct: standing of %s: %w", sponsorID, err)
	}
	if standing == eligibility.StandingNoTier {
		return nil
	}
	amount := order.TotalAmount.Mul(tier.DirectCommissionRate)
	if !amount.IsPositive() {
		return nil
	}

	orderID, fromUserID := order.ID, buyer.ID
	created, err := s.record(ctx, Commission{
		UserID:      sponsorID,
		OrderID:     &orderID,
		FromUserID:  &fromUserID,
		Type:        TypeDirect,
		Amount:      amount,
		OrderAmount: order.TotalAmount,
	}, standing, tier)
	if err != nil {
		return fmt.Errorf("direct: record for %s: %w", sponsorID, err)
	}
	result.Commissions = append(result.Commissions, created)
	return nil
}

// payGroup pays every binary ancestor whose weak leg (or tied legs) received the order.
// Branch totals are the ones read before this order's volume is applied.
func (s *Service) payGroup(ctx context.Context, order orders.Order, lineage []tree.Ancestor, result *Result) error {
	var errs []error
	for _, ancestor := range lineage {
		created, paid, err := s.payGroupAncestor(ctx, order, ancestor)
		if err != nil {
			errs = append(errs, fmt.Errorf("group: ancestor %s: %w", ancestor.Participant.ID, err))
			continue
		}
		if paid {
			result.Commissions = append(result.Commissions, created)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) payGroupAncestor(ctx context.Context, order orders.Order, ancestor tree.Ancestor) (Commission, bool, error) {
	candidate := ancestor.Participant
	if candidate.RateTier() == "" {
		return Commission{}, false, nil
	}
	paired, err := s.tree.HasBothLegs(ctx, candidate.ID)
	if err != nil {
		return Commission{}, false, err
	}
	if !paired {
		return Commission{}, false, nil
	}
	if candidate.LeftBranchTotal.IsZero() && candidate.RightBranchTotal.IsZero() {
		return Commission{}, false, nil
	}
	if weak, ok := candidate.WeakSide(); ok && weak != ancestor.Side {
		return Commission{}, false, nil
	}

	fresh, err := s.tree.Get(ctx, candidate.ID)
	if err != nil {
		return Commission{}, false, err
	}
	standing, tier, err := s.eligibility.Standing(ctx, fresh)
	if err != nil {
		return Commission{}, false, err
	}
	if standing == eligibility.StandingNoTier {
		return Commission{}, false, nil
	}
	amount := order.TotalAmount.Mul(tier.GroupCommissionRate)
	if !amount.IsPositive() {
		return Commission{}, false, nil
	}

	orderID, fromUserID := order.ID, order.BuyerID
	created, err := s.record(ctx, Commission{
		UserID:      candidate.ID,
		OrderID:     &orderID,
		FromUserID:  &fromUserID,
		Type:        TypeGroup,
		Amount:      amount,
		OrderAmount: order.TotalAmount,
		Side:        ancestor.Side.String(),
	}, standing, tier)
	if err != nil {
		return Commission{}, false, err
	}
	return created, true, nil
}

// applyVolume adds the order amount to the buyer's side of every ancestor in one transaction and
// marks the ledger in the same commit.
func (s *Service) applyVolume(ctx context.Context, order orders.Order, lineage []tree.Ancestor) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.tree.WithTx(tx)
		for _, ancestor := range lineage {
			if err := store.AddBranchVolume(ctx, ancestor.Participant.ID, ancestor.Side, order.TotalAmount); err != nil {
				return fmt.Errorf("ancestor %s: %w", ancestor.Participant.ID, err)
			}
		}
		return s.store.WithTx(tx).UpdateCalculation(ctx, order.ID, map[string]interface{}{"volume_applied": true})
	})
	if err != nil {
		return fmt.Errorf("volume: %w", err)
	}
	s.logger.Debug("branch volumes updated", zap.String("order_id", order.ID), zap.Int("ancestors", len(lineage)))
	return nil
}

func (s *Service) finishLedger(ctx context.Context, result Result) {
	finishedAt := s.clock().UTC()
	updates := map[string]interface{}{
		"outcome":       result.Outcome,
		"failed_stages": joinStages(result.FailedStages()),
		"last_error":    "",
		"finished_at":   finishedAt,
	}
	if err := result.Err(); err != nil {
		updates["last_error"] = err.Error()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), ledgerRetries), ctx)
	err := backoff.Retry(func() error {
		return s.store.UpdateCalculation(ctx, result.OrderID, updates)
	}, policy)
	if err != nil {
		s.logError(opCalculate, "finish_ledger", err, zap.String("order_id", result.OrderID))
	}
}
