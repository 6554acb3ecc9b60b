package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	opServiceNew = "payout.service.new"
	opPayout     = "payout.order"

	payoutNote = "Auto payout"
)

var errMissingCommissions = errors.New("payout: commission service is required")

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

// Report summarizes one order payout.
type Report struct {
	OrderID string
	Paid    []commission.Commission
	Failed  []commission.ApprovalFailure
	// Blocked counts commissions left untouched because reconsumption gated them.
	Blocked   int
	TotalPaid decimal.Decimal
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Commissions *commission.Service
	Logger      *zap.Logger
}

// Service pays out the PENDING commissions an order produced.
type Service struct {
	commissions *commission.Service
	logger      *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Commissions == nil {
		return nil, newServiceError(opServiceNew, "missing_commissions", errMissingCommissions)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{commissions: cfg.Commissions, logger: logger}, nil
}

// PayoutOrderCommissions approves every PENDING commission of orderID. BLOCKED and already PAID
// commissions are left as they are. Per-commission failures are reported, not returned.
func (s *Service) PayoutOrderCommissions(ctx context.Context, orderID string) (Report, error) {
	report := Report{OrderID: orderID, TotalPaid: decimal.Zero}
	commissions, err := s.commissions.GetCommissionsByOrder(ctx, orderID)
	if err != nil {
		s.logger.Error("payout service error",
			zap.String("operation", opPayout),
			zap.String("reason", "list"),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return Report{}, newServiceError(opPayout, "list", err)
	}

	pending := make([]string, 0, len(commissions))
	for _, item := range commissions {
		switch item.Status {
		case commission.StatusPending:
			pending = append(pending, item.ID)
		case commission.StatusBlocked:
			report.Blocked++
		}
	}
	if len(pending) == 0 {
		return report, nil
	}

	batch := s.commissions.ApproveCommissions(ctx, pending, payoutNote)
	report.Paid = batch.Approved
	report.Failed = batch.Failed
	for _, paid := range batch.Approved {
		report.TotalPaid = report.TotalPaid.Add(paid.Amount)
	}
	s.logger.Info("order commissions paid out",
		zap.String("order_id", orderID),
		zap.Int("paid", len(report.Paid)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("blocked", report.Blocked),
		zap.String("total", report.TotalPaid.String()),
	)
	return report, nil
}
