package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stats aggregates a participant's commissions.
type Stats struct {
	// Total is the sum of PAID commissions.
	Total decimal.Decimal `json:"total"`
	// Pending is the sum of PENDING commissions.
	Pending decimal.Decimal `json:"pending"`
	// ByType holds the PAID sum of every commission type.
	ByType map[Type]decimal.Decimal `json:"byType"`
}

// ApprovalFailure reports why one commission of a batch was not approved.
type ApprovalFailure struct {
	CommissionID string
	Err          error
}

// BatchApproval is the outcome of ApproveCommissions.
type BatchApproval struct {
	Approved []Commission
	Failed   []ApprovalFailure
}

// GetCommission loads one commission.
func (s *Service) GetCommission(ctx context.Context, id string) (Commission, error) {
	commission, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCommissionNotFound) {
			return Commission{}, newServiceError(opList, "not_found", err)
		}
		return Commission{}, newServiceError(opList, "load", err)
	}
	return commission, nil
}

// GetCommissionsByUser lists the commissions received by userID, newest first.
func (s *Service) GetCommissionsByUser(ctx context.Context, userID string, filter Filter) ([]Commission, error) {
	filter.UserID = userID
	return s.ListCommissions(ctx, filter)
}

// GetCommissionsByOrder lists the commissions generated by orderID in creation order.
func (s *Service) GetCommissionsByOrder(ctx context.Context, orderID string) ([]Commission, error) {
	commissions, err := s.store.ListForOrder(ctx, orderID)
	if err != nil {
		s.logError(opList, "by_order", err, zap.String("order_id", orderID))
		return nil, newServiceError(opList, "by_order", err)
	}
	return commissions, nil
}

// ListCommissions lists commissions matching filter, newest first.
func (s *Service) ListCommissions(ctx context.Context, filter Filter) ([]Commission, error) {
	commissions, err := s.store.List(ctx, filter)
	if err != nil {
		s.logError(opList, "query", err)
		return nil, newServiceError(opList, "query", err)
	}
	return commissions, nil
}

// ApproveCommission moves a PENDING commission to PAID. Any other status fails with
// ErrCommissionNotPending.
func (s *Service) ApproveCommission(ctx context.Context, id, notes string) (Commission, error) {
	updated, err := s.store.MarkPaid(ctx, id, notes, s.clock().UTC())
	if err != nil {
		s.logError(opApprove, "update", err, zap.String("commission_id", id))
		return Commission{}, newServiceError(opApprove, "update", err)
	}
	commission, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCommissionNotFound) {
			return Commission{}, newServiceError(opApprove, "not_found", err)
		}
		return Commission{}, newServiceError(opApprove, "reload", err)
	}
	if !updated {
		return Commission{}, newServiceError(opApprove, "not_pending",
			fmt.Errorf("%w: %s is %s", ErrCommissionNotPending, id, commission.Status))
	}

	metrics.CommissionsPaidTotal.Inc()
	s.logger.Info("commission approved",
		zap.String("commission_id", id),
		zap.String("user_id", commission.UserID),
		zap.String("amount", commission.Amount.String()),
	)
	s.notifier.CommissionPaid(ctx, commission)
	return commission, nil
}

// ApproveCommissions approves each commission independently and collects per-item failures.
func (s *Service) ApproveCommissions(ctx context.Context, ids []string, notes string) BatchApproval {
	batch := BatchApproval{Approved: make([]Commission, 0, len(ids))}
	for _, id := range ids {
		commission, err := s.ApproveCommission(ctx, id, notes)
		if err != nil {
			s.logger.Warn("commission approval failed", zap.String("commission_id", id), zap.Error(err))
			batch.Failed = append(batch.Failed, ApprovalFailure{CommissionID: id, Err: err})
			continue
		}
		batch.Approved = append(batch.Approved, commission)
	}
	return batch
}

// GetStats aggregates the PAID and PENDING commissions of userID.
func (s *Service) GetStats(ctx context.Context, userID string) (Stats, error) {
	commissions, err := s.store.AmountsForUser(ctx, userID)
	if err != nil {
		s.logError(opStats, "query", err, zap.String("user_id", userID))
		return Stats{}, newServiceError(opStats, "query", err)
	}
	stats := Stats{
		Total:   decimal.Zero,
		Pending: decimal.Zero,
		ByType: map[Type]decimal.Decimal{
			TypeDirect:     decimal.Zero,
			TypeGroup:      decimal.Zero,
			TypeManagement: decimal.Zero,
			TypeMilestone:  decimal.Zero,
		},
	}
	for _, commission := range commissions {
		switch commission.Status {
		case StatusPaid:
			stats.Total = stats.Total.Add(commission.Amount)
			stats.ByType[commission.Type] = stats.ByType[commission.Type].Add(commission.Amount)
		case StatusPending:
			stats.Pending = stats.Pending.Add(commission.Amount)
		}
	}
	return stats, nil
}
