package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/ids"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("orders: database handle is required")
	errMissingTree        = errors.New("orders: tree store is required")
	errMissingEligibility = errors.New("orders: eligibility service is required")
)

const (
	opServiceNew    = "orders.service.new"
	opCreate        = "orders.create"
	opConfirm       = "orders.confirm"
	opUpdateStatus  = "orders.update_status"
	opCancel        = "orders.cancel"
	opReconsumption = "orders.reconsumption"
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

// ConfirmationHandler is notified after an order has been confirmed.
type ConfirmationHandler interface {
	OrderConfirmed(ctx context.Context, order Order) error
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database    *gorm.DB
	Tree        *tree.Store
	Eligibility *eligibility.Service
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
}

// CreateRequest describes a new order.
type CreateRequest struct {
	BuyerID         string
	TotalAmount     decimal.Decimal
	TransactionHash string
}

// Service owns the order lifecycle and hands confirmed orders to the commission pipeline.
type Service struct {
	store       *Store
	tree        *tree.Store
	eligibility *eligibility.Service
	clock       func() time.Time
	idProvider  ids.Provider
	logger      *zap.Logger

	mu      sync.RWMutex
	handler ConfirmationHandler
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tree == nil {
		return nil, newServiceError(opServiceNew, "missing_tree", errMissingTree)
	}
	if cfg.Eligibility == nil {
		return nil, newServiceError(opServiceNew, "missing_eligibility", errMissingEligibility)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       NewStore(cfg.Database),
		tree:        cfg.Tree,
		eligibility: cfg.Eligibility,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// OnConfirmed registers the handler invoked after every confirmation.
func (s *Service) OnConfirmed(handler ConfirmationHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Get loads an order.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns the buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, statuses ...Status) ([]Order, error) {
	return s.store.ListByBuyer(ctx, buyerID, statuses...)
}

// Create stores a PENDING order. An order that arrives with a payment transaction hash is
// confirmed immediately.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Order, error) {
	if !request.TotalAmount.IsPositive() {
		return Order{}, newServiceError(opCreate, "invalid_amount", ErrInvalidAmount)
	}
	buyerID, err := tree.NormalizeID(request.BuyerID)
	if err != nil {
		return Order{}, newServiceError(opCreate, "invalid_buyer", err)
	}
	if _, err := s.tree.Get(ctx, buyerID); err != nil {
		if errors.Is(err, tree.ErrParticipantNotFound) {
			return Order{}, newServiceError(opCreate, "buyer_not_found", fmt.Errorf("%w: %s", ErrBuyerNotFound, buyerID))
		}
		s.logError(opCreate, "load_buyer", err, zap.String("buyer_id", buyerID))
		return Order{}, newServiceError(opCreate, "load_buyer", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Order{}, newServiceError(opCreate, "generate_id", err)
	}
	order := Order{
		ID:              id,
		BuyerID:         buyerID,
		TotalAmount:     request.TotalAmount,
		Status:          StatusPending,
		TransactionHash: strings.TrimSpace(request.TransactionHash),
	}
	if err := s.store.Create(ctx, &order); err != nil {
		s.logError(opCreate, "insert", err, zap.String("buyer_id", buyerID))
		return Order{}, newServiceError(opCreate, "insert", err)
	}
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", buyerID),
		zap.String("amount", order.TotalAmount.String()),
	)

	if order.TransactionHash != "" {
		return s.Confirm(ctx, order.ID)
	}
	return order, nil
}

// Confirm moves a PENDING order to CONFIRMED, records reconsumption and notifies the
// confirmation handler.
func (s *Service) Confirm(ctx context.Context, id string) (Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return Order{}, newServiceError(opConfirm, "not_found", err)
		}
		return Order{}, newServiceError(opConfirm, "load", err)
	}
	if order.Status != StatusPending {
		return Order{}, newServiceError(opConfirm, "invalid_transition",
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, StatusConfirmed))
	}
	if err := s.store.Transition(ctx, id, StatusPending, StatusConfirmed, s.clock().UTC()); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Order{}, newServiceError(opConfirm, "invalid_transition", err)
		}
		s.logError(opConfirm, "update", err, zap.String("order_id", id))
		return Order{}, newServiceError(opConfirm, "update", err)
	}

	s.recordReconsumption(ctx, &order)

	confirmed, err := s.store.Get(ctx, id)
	if err != nil {
		return Order{}, newServiceError(opConfirm, "reload", err)
	}
	s.logger.Info("order confirmed", zap.String("order_id", id), zap.Bool("reconsumption", confirmed.IsReconsumption))
	s.notify(ctx, confirmed)
	return confirmed, nil
}

// UpdateStatus applies an operator status change.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (Order, error) {
	switch next {
	case StatusConfirmed:
		return s.Confirm(ctx, id)
	case StatusCancelled:
		return s.Cancel(ctx, id)
	}
	order, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return Order{}, newServiceError(opUpdateStatus, "not_found", err)
		}
		return Order{}, newServiceError(opUpdateStatus, "load", err)
	}
	if !order.Status.CanTransition(next) {
		return Order{}, newServiceError(opUpdateStatus, "invalid_transition",
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next))
	}
	if err := s.store.Transition(ctx, id, order.Status, next, s.clock().UTC()); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Order{}, newServiceError(opUpdateStatus, "invalid_transition", err)
		}
		s.logError(opUpdateStatus, "update", err, zap.String("order_id", id))
		return Order{}, newServiceError(opUpdateStatus, "update", err)
	}
	order.Status = next
	return order, nil
}

// Cancel cancels an order that has not been delivered.
func (s *Service) Cancel(ctx context.Context, id string) (Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return Order{}, newServiceError(opCancel, "not_found", err)
		}
		return Order{}, newServiceError(opCancel, "load", err)
	}
	if !order.Status.CanTransition(StatusCancelled) {
		return Order{}, newServiceError(opCancel, "invalid_transition",
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, StatusCancelled))
	}
	if err := s.store.Transition(ctx, id, order.Status, StatusCancelled, s.clock().UTC()); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Order{}, newServiceError(opCancel, "invalid_transition", err)
		}
		return Order{}, newServiceError(opCancel, "update", err)
	}
	order.Status = StatusCancelled
	s.logger.Info("order cancelled", zap.String("order_id", id))
	return order, nil
}

func (s *Service) recordReconsumption(ctx context.Context, order *Order) {
	buyer, err := s.tree.Get(ctx, order.BuyerID)
	if err != nil {
		s.logError(opReconsumption, "load_buyer", err, zap.String("order_id", order.ID))
		return
	}
	reconsumption, err := s.eligibility.IsReconsumptionPurchase(ctx, buyer, order.TotalAmount)
	if err != nil {
		s.logError(opReconsumption, "evaluate", err, zap.String("order_id", order.ID))
		return
	}
	if !reconsumption {
		return
	}
	if err := s.store.MarkReconsumption(ctx, order.ID); err != nil {
		s.logError(opReconsumption, "flag_order", err, zap.String("order_id", order.ID))
		return
	}
	if err := s.tree.AddReconsumption(ctx, buyer.ID, order.TotalAmount); err != nil {
		s.logError(opReconsumption, "update_buyer", err, zap.String("order_id", order.ID))
	}
}

func (s *Service) notify(ctx context.Context, order Order) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler.OrderConfirmed(ctx, order); err != nil {
		s.logError(opConfirm, "notify", err, zap.String("order_id", order.ID))
	}
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
	s.logger.Error("orders service error", attrs...)
}
