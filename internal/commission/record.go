package commission

import (
	"context"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// record stores draft with a status derived from standing and, for PENDING commissions, credits
// the recipient in the same transaction. BLOCKED commissions never touch the counter.
func (s *Service) record(ctx context.Context, draft Commission, standing eligibility.Standing, tier catalog.Package) (Commission, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Commission{}, err
	}
	draft.ID = id
	switch standing {
	case eligibility.StandingEligible:
		draft.Status = StatusPending
	case eligibility.StandingNoTier:
		draft.Status = StatusBlocked
		draft.Notes = noteNoPackage
	default:
		draft.Status = StatusBlocked
		draft.Notes = noteBlocked
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.store.WithTx(tx).Create(ctx, &draft); err != nil {
			return err
		}
		if draft.Status != StatusPending {
			return nil
		}
		_, err := s.eligibility.WithTx(tx).Credit(ctx, draft.UserID, draft.Amount, tier)
		return err
	})
	if err != nil {
		return Commission{}, err
	}

	metrics.CommissionsCreatedTotal.WithLabelValues(string(draft.Type), string(draft.Status)).Inc()
	s.logger.Info("commission recorded",
		zap.String("commission_id", draft.ID),
		zap.String("order_id", draft.Order()),
		zap.String("user_id", draft.UserID),
		zap.String("type", string(draft.Type)),
		zap.String("status", string(draft.Status)),
		zap.String("amount", draft.Amount.String()),
	)
	s.notifier.CommissionCreated(ctx, draft)
	return draft, nil
}
