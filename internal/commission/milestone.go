package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AwardMilestoneReward grants a milestone reward outside any order. The reward follows the same
// reconsumption rules as order commissions. Awarding the same milestone to the same participant
// again returns the commission recorded the first time.
func (s *Service) AwardMilestoneReward(ctx context.Context, userID string, amount decimal.Decimal, milestoneID string) (Commission, error) {
	if !amount.IsPositive() {
		return Commission{}, newServiceError(opMilestone, "invalid_amount", ErrInvalidAmount)
	}
	milestoneID = strings.TrimSpace(milestoneID)
	if milestoneID == "" {
		return Commission{}, newServiceError(opMilestone, "invalid_milestone", ErrInvalidMilestone)
	}

	if existing, found, err := s.store.FindMilestone(ctx, userID, milestoneID); err != nil {
		s.logError(opMilestone, "lookup_existing", err, zap.String("user_id", userID))
		return Commission{}, newServiceError(opMilestone, "lookup_existing", err)
	} else if found {
		return existing, nil
	}

	participant, err := s.tree.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, tree.ErrParticipantNotFound) {
			s.logger.Warn("milestone recipient not found", zap.String("user_id", userID))
			return Commission{}, newServiceError(opMilestone, "participant_not_found", err)
		}
		return Commission{}, newServiceError(opMilestone, "load_participant", err)
	}
	standing, tier, err := s.eligibility.Standing(ctx, participant)
	if err != nil {
		return Commission{}, newServiceError(opMilestone, "standing", err)
	}

	milestone := milestoneID
	created, err := s.record(ctx, Commission{
		UserID:      participant.ID,
		Type:        TypeMilestone,
		Amount:      amount,
		OrderAmount: decimal.Zero,
		MilestoneID: &milestone,
		Notes:       fmt.Sprintf(milestoneNoteFormat, milestoneID),
	}, standing, tier)
	if errors.Is(err, ErrDuplicateCommission) {
		existing, found, lookupErr := s.store.FindMilestone(ctx, userID, milestoneID)
		if lookupErr == nil && found {
			return existing, nil
		}
	}
	if err != nil {
		s.logError(opMilestone, "record", err, zap.String("user_id", userID), zap.String("milestone_id", milestoneID))
		return Commission{}, newServiceError(opMilestone, "record", err)
	}
	return created, nil
}
