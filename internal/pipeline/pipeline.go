package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/metrics"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/payout"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

var (
	// ErrQueueFull indicates that the confirmation queue has no free slot.
	ErrQueueFull = errors.New("pipeline: queue is full")
	// ErrStopped indicates that the pipeline no longer accepts orders.
	ErrStopped = errors.New("pipeline: stopped")

	errMissingCommissions = errors.New("pipeline: commission service is required")
	errMissingPayout      = errors.New("pipeline: payout service is required when auto payout is enabled")
)

// Completion is delivered once per submitted order after calculation and, when enabled, payout.
type Completion struct {
	OrderID string
	Result  commission.Result
	// Payout is nil when auto payout is disabled or the calculation produced nothing to pay.
	Payout *payout.Report
	Err    error
}

// Config describes the dependencies of a Pipeline.
type Config struct {
	Commissions *commission.Service
	Payout      *payout.Service
	Workers     int
	QueueSize   int
	AutoPayout  bool
	Logger      *zap.Logger
}

type job struct {
	orderID string
	done    chan Completion
}

// Pipeline runs commission calculation and payout for confirmed orders on a worker pool.
type Pipeline struct {
	commissions *commission.Service
	payout      *payout.Service
	workers     int
	autoPayout  bool
	logger      *zap.Logger
	queue       chan job

	mu      sync.RWMutex
	stopped bool
}

// New constructs a Pipeline. Call Run to start its workers.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Commissions == nil {
		return nil, errMissingCommissions
	}
	if cfg.AutoPayout && cfg.Payout == nil {
		return nil, errMissingPayout
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		commissions: cfg.Commissions,
		payout:      cfg.Payout,
		workers:     workers,
		autoPayout:  cfg.AutoPayout,
		logger:      logger,
		queue:       make(chan job, queueSize),
	}, nil
}

// Submit queues orderID and returns a channel that receives exactly one Completion.
func (p *Pipeline) Submit(ctx context.Context, orderID string) (<-chan Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}
	item := job{orderID: orderID, done: make(chan Completion, 1)}
	select {
	case p.queue <- item:
		metrics.PipelineQueueDepth.Inc()
		return item.done, nil
	default:
		p.logger.Warn("commission pipeline queue full", zap.String("order_id", orderID))
		return nil, fmt.Errorf("%w: order %s", ErrQueueFull, orderID)
	}
}

// OrderConfirmed queues a freshly confirmed order without waiting for its completion.
func (p *Pipeline) OrderConfirmed(ctx context.Context, order orders.Order) error {
	_, err := p.Submit(ctx, order.ID)
	return err
}

// Run processes queued orders until ctx is cancelled. Orders still queued at shutdown are
// processed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < p.workers; worker++ {
		group.Go(func() error {
			p.work(groupCtx)
			return nil
		})
	}
	p.logger.Info("commission pipeline started", zap.Int("workers", p.workers))
	err := group.Wait()
	p.stop(context.WithoutCancel(ctx))
	p.logger.Info("commission pipeline stopped")
	return err
}

// Recover processes every confirmed order that was never calculated, such as orders confirmed
// while no pipeline was running. It returns how many orders it processed.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	orderIDs, err := p.commissions.UncalculatedOrders(ctx, 0)
	if err != nil {
		return 0, err
	}
	if len(orderIDs) == 0 {
		return 0, nil
	}
	p.logger.Info("recovering uncalculated orders", zap.Int("orders", len(orderIDs)))
	for index, orderID := range orderIDs {
		if err := ctx.Err(); err != nil {
			return index, err
		}
		p.finish(p.Process(context.WithoutCancel(ctx), orderID))
	}
	return len(orderIDs), nil
}

// Process calculates and pays out orderID on the caller's goroutine.
func (p *Pipeline) Process(ctx context.Context, orderID string) Completion {
	completion := Completion{OrderID: orderID}
	completion.Result = p.commissions.CalculateCommissions(ctx, orderID)
	if !p.autoPayout || !payable(completion.Result) {
		return completion
	}
	report, err := p.payout.PayoutOrderCommissions(ctx, orderID)
	if err != nil {
		completion.Err = err
		return completion
	}
	completion.Payout = &report
	return completion
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			metrics.PipelineQueueDepth.Dec()
			completion := p.Process(context.WithoutCancel(ctx), item.orderID)
			p.finish(completion)
			item.done <- completion
			close(item.done)
		}
	}
}

func (p *Pipeline) finish(completion Completion) {
	if completion.Err != nil {
		p.logger.Error("commission pipeline payout failed",
			zap.String("order_id", completion.OrderID),
			zap.Error(completion.Err),
		)
	}
}

// stop closes the pipeline to new orders and processes whatever is still queued.
func (p *Pipeline) stop(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	for {
		select {
		case item := <-p.queue:
			metrics.PipelineQueueDepth.Dec()
			completion := p.Process(ctx, item.orderID)
			p.finish(completion)
			item.done <- completion
			close(item.done)
		default:
			return
		}
	}
}

func payable(result commission.Result) bool {
	if len(result.Commissions) == 0 {
		return false
	}
	return result.Outcome == commission.OutcomeCompleted || result.Outcome == commission.OutcomePartial
}
