package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/ids"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	opServiceNew = "commission.service.new"
	opCalculate  = "commission.calculate"
	opRedrive    = "commission.redrive"
	opMilestone  = "commission.award_milestone"
	opApprove    = "commission.approve"
	opStats      = "commission.stats"
	opList       = "commission.list"

	// managementGenerations is the number of binary generations paid a management override.
	managementGenerations = 3
)

var (
	errMissingDatabase    = errors.New("commission: database handle is required")
	errMissingTree        = errors.New("commission: tree store is required")
	errMissingCatalog     = errors.New("commission: catalog provider is required")
	errMissingEligibility = errors.New("commission: eligibility service is required")
	errMissingOrders      = errors.New("commission: order reader is required")
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

// OrderReader supplies orders to the calculator.
type OrderReader interface {
	Get(ctx context.Context, id string) (orders.Order, error)
}

// Notifier observes commission lifecycle events.
type Notifier interface {
	CommissionCreated(ctx context.Context, commission Commission)
	CommissionPaid(ctx context.Context, commission Commission)
}

type noopNotifier struct{}

func (noopNotifier) CommissionCreated(context.Context, Commission) {}
func (noopNotifier) CommissionPaid(context.Context, Commission)    {}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database    *gorm.DB
	Tree        *tree.Store
	Catalog     catalog.Provider
	Eligibility *eligibility.Service
	Orders      OrderReader
	Notifier    Notifier
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
	// MaxRecursion caps management recursion depth; the tree depth cap applies when zero.
	MaxRecursion int
}

// Service computes, records and approves commissions.
type Service struct {
	db           *gorm.DB
	store        *Store
	tree         *tree.Store
	catalog      catalog.Provider
	eligibility  *eligibility.Service
	orders       OrderReader
	notifier     Notifier
	clock        func() time.Time
	idProvider   ids.Provider
	logger       *zap.Logger
	maxRecursion int
	inflight     singleflight.Group
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	case cfg.Tree == nil:
		return nil, newServiceError(opServiceNew, "missing_tree", errMissingTree)
	case cfg.Catalog == nil:
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	case cfg.Eligibility == nil:
		return nil, newServiceError(opServiceNew, "missing_eligibility", errMissingEligibility)
	case cfg.Orders == nil:
		return nil, newServiceError(opServiceNew, "missing_orders", errMissingOrders)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
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
	maxRecursion := cfg.MaxRecursion
	if maxRecursion <= 0 {
		maxRecursion = cfg.Tree.MaxDepth()
	}

	return &Service{
		db:           cfg.Database,
		store:        NewStore(cfg.Database),
		tree:         cfg.Tree,
		catalog:      cfg.Catalog,
		eligibility:  cfg.Eligibility,
		orders:       cfg.Orders,
		notifier:     notifier,
		clock:        clock,
		idProvider:   idProvider,
		logger:       logger,
		maxRecursion: maxRecursion,
	}, nil
}

// ClearConfigCache drops every cached package so the next calculation reads fresh rates.
func (s *Service) ClearConfigCache() {
	s.catalog.Invalidate()
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
	s.logger.Error("commission service error", attrs...)
}
