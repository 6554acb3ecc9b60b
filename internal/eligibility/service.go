package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingTree    = errors.New("eligibility: tree store is required")
	errMissingCatalog = errors.New("eligibility: catalog provider is required")
)

const (
	opServiceNew    = "eligibility.service.new"
	opApplyPurchase = "eligibility.apply_purchase"
	opCredit        = "eligibility.credit"
	opStanding      = "eligibility.standing"
)

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Tree    *tree.Store
	Catalog catalog.Provider
	Logger  *zap.Logger
}

// Service owns the package tier state machine and the commission counter of each participant.
type Service struct {
	tree    *tree.Store
	catalog catalog.Provider
	logger  *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingTree)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingCatalog)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tree: cfg.Tree, catalog: cfg.Catalog, logger: logger}, nil
}

// WithTx returns a Service whose tree writes join tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{tree: s.tree.WithTx(tx), catalog: s.catalog, logger: s.logger}
}

// ApplyPurchase records a confirmed purchase of orderAmount by participantID and applies any
// resulting upgrade or restore, holding the participant row lock for the whole update.
func (s *Service) ApplyPurchase(ctx context.Context, participantID string, orderAmount decimal.Decimal) (Transition, error) {
	return s.ApplyPurchaseWith(ctx, participantID, orderAmount, nil)
}

// ApplyPurchaseWith is ApplyPurchase with also run inside the same transaction, so the purchase
// commits only together with the caller's bookkeeping. Tiers are loaded before the transaction
// opens.
func (s *Service) ApplyPurchaseWith(ctx context.Context, participantID string, orderAmount decimal.Decimal, also func(tx *gorm.DB) error) (Transition, error) {
	tiers, err := s.catalog.Tiers(ctx)
	if err != nil {
		s.logError(opApplyPurchase, "load_tiers", err, zap.String("participant_id", participantID))
		return Transition{}, err
	}

	var transition Transition
	err = s.tree.Transaction(ctx, func(tx *tree.Store) error {
		participant, err := tx.GetForUpdate(ctx, participantID)
		if err != nil {
			return err
		}
		transition = NextTier(participant, orderAmount, tiers)
		if err := tx.ApplyPurchase(ctx, participantID, orderAmount, transition.To, transition.Changed()); err != nil {
			return err
		}
		if also != nil {
			return also(tx.DB())
		}
		return nil
	})
	if err != nil {
		s.logError(opApplyPurchase, "update_participant", err, zap.String("participant_id", participantID))
		return Transition{}, err
	}

	if transition.Changed() {
		metrics.TierTransitionsTotal.WithLabelValues(string(transition.Reason)).Inc()
		s.logger.Info("package tier changed, commission cycle reset",
			zap.String("participant_id", participantID),
			zap.String("from", transition.From),
			zap.String("to", transition.To),
			zap.String("reason", string(transition.Reason)),
		)
	}
	return transition, nil
}

// Standing evaluates p against the tier that prices its commissions. The returned package is the
// zero value when the standing is StandingNoTier.
func (s *Service) Standing(ctx context.Context, p tree.Participant) (Standing, catalog.Package, error) {
	code := p.RateTier()
	if code == "" {
		return StandingNoTier, catalog.Package{}, nil
	}
	tier, err := s.catalog.Lookup(ctx, code)
	if errors.Is(err, catalog.ErrPackageNotFound) {
		s.logger.Warn("participant holds an unknown package",
			zap.String("participant_id", p.ID),
			zap.String("package", code),
		)
		return StandingNoTier, catalog.Package{}, nil
	}
	if err != nil {
		s.logError(opStanding, "lookup_package", err, zap.String("participant_id", p.ID))
		return "", catalog.Package{}, err
	}
	return Evaluate(p, tier), tier, nil
}

// Credit adds a PENDING commission amount to the participant's counter and locks the participant
// into NONE when the counter reaches the tier threshold.
func (s *Service) Credit(ctx context.Context, participantID string, amount decimal.Decimal, tier catalog.Package) (tree.CreditResult, error) {
	result, err := s.tree.CreditCommission(ctx, participantID, amount, tier.ReconsumptionThreshold)
	if err != nil {
		s.logError(opCredit, "update_counter", err, zap.String("participant_id", participantID))
		return tree.CreditResult{}, err
	}
	if result.Tripped {
		metrics.ThresholdTripsTotal.Inc()
		s.logger.Info("participant reached reconsumption threshold, package set to NONE",
			zap.String("participant_id", participantID),
			zap.String("lapsed_package", result.Participant.LapsedPackageType),
			zap.String("threshold", tier.ReconsumptionThreshold.String()),
		)
	}
	return result, nil
}

// IsReconsumptionPurchase reports whether a purchase of orderAmount by p is a reconsumption.
func (s *Service) IsReconsumptionPurchase(ctx context.Context, p tree.Participant, orderAmount decimal.Decimal) (bool, error) {
	tiers, err := s.catalog.Tiers(ctx)
	if err != nil {
		return false, err
	}
	return IsReconsumption(p, orderAmount, tiers), nil
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
	s.logger.Error("eligibility service error", attrs...)
}
