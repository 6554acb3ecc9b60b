package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"go.uber.org/zap"
)

// payManagement pays generational overrides on every DIRECT, GROUP and MILESTONE commission that
// references the order. Each source starts its own chain with a fresh set of processed recipients.
func (s *Service) payManagement(ctx context.Context, order orders.Order, result *Result) error {
	sources, err := s.store.ListForOrder(ctx, order.ID, TypeDirect, TypeGroup, TypeMilestone)
	if err != nil {
		return fmt.Errorf("management: load sources: %w", err)
	}
	var errs []error
	for _, source := range sources {
		processed := make(map[string]struct{})
		if err := s.payManagementChain(ctx, order, source, processed, 1, result); err != nil {
			errs = append(errs, fmt.Errorf("management: source %s: %w", source.ID, err))
		}
	}
	return errors.Join(errs...)
}

// payManagementChain pays up to three binary ancestors of the source recipient at each ancestor's
// own generation rate, then repeats for every override it creates.
func (s *Service) payManagementChain(ctx context.Context, order orders.Order, source Commission, processed map[string]struct{}, depth int, result *Result) error {
	if depth > s.maxRecursion {
		return fmt.Errorf("%w: depth %d from %s", ErrRecursionLimit, depth, source.ID)
	}
	if _, seen := processed[source.UserID]; seen {
		return nil
	}
	processed[source.UserID] = struct{}{}

	recipient, err := s.tree.Get(ctx, source.UserID)
	if err != nil {
		return fmt.Errorf("load recipient %s: %w", source.UserID, err)
	}
	lineage, lineageErr := s.tree.Lineage(ctx, recipient, managementGenerations)

	var errs []error
	if lineageErr != nil {
		errs = append(errs, lineageErr)
	}
	for _, ancestor := range lineage {
		// Re-read so that a threshold trip earlier in this calculation is observed.
		fresh, err := s.tree.Get(ctx, ancestor.Participant.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("ancestor %s: %w", ancestor.Participant.ID, err))
			continue
		}
		standing, tier, err := s.eligibility.Standing(ctx, fresh)
		if err != nil {
			errs = append(errs, fmt.Errorf("ancestor %s: %w", fresh.ID, err))
			continue
		}
		if standing != eligibility.StandingEligible {
			continue
		}
		rate := tier.ManagementRate(ancestor.Generation)
		if !rate.IsPositive() {
			continue
		}
		amount := source.Amount.Mul(rate)
		if !amount.IsPositive() {
			continue
		}

		orderID, fromUserID := order.ID, recipient.ID
		created, err := s.record(ctx, Commission{
			UserID:             fresh.ID,
			OrderID:            &orderID,
			FromUserID:         &fromUserID,
			Type:               TypeManagement,
			Amount:             amount,
			OrderAmount:        order.TotalAmount,
			Level:              ancestor.Generation,
			SourceCommissionID: source.ID,
		}, standing, tier)
		if err != nil {
			errs = append(errs, fmt.Errorf("ancestor %s: %w", fresh.ID, err))
			continue
		}
		result.Commissions = append(result.Commissions, created)
		s.logger.Debug("management override paid",
			zap.String("order_id", order.ID),
			zap.String("source_commission_id", source.ID),
			zap.String("user_id", fresh.ID),
			zap.Int("level", ancestor.Generation),
		)

		if err := s.payManagementChain(ctx, order, created, processed, depth+1, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
