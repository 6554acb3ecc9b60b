package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/config"
	"github.com/MarcoPoloResearchLab/affiliate/internal/database"
	"github.com/MarcoPoloResearchLab/affiliate/internal/eligibility"
	"github.com/MarcoPoloResearchLab/affiliate/internal/logging"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/participants"
	"github.com/MarcoPoloResearchLab/affiliate/internal/payout"
	"github.com/MarcoPoloResearchLab/affiliate/internal/pipeline"
	"github.com/MarcoPoloResearchLab/affiliate/internal/server"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	catalog      *catalog.Catalog
	participants *participants.Service
	orders       *orders.Service
	commissions  *commission.Service
	payout       *payout.Service
	pipeline     *pipeline.Pipeline
	realtime     *server.RealtimeDispatcher
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	store, err := tree.NewStore(tree.StoreConfig{Database: db, MaxDepth: appConfig.TreeMaxDepth})
	if err != nil {
		return nil, err
	}
	packages, err := catalog.NewCatalog(catalog.Config{
		Database: db,
		Clock:    clockwork.NewRealClock(),
		TTL:      appConfig.CatalogCacheTTL,
		Logger:   logger.Named("catalog"),
	})
	if err != nil {
		return nil, err
	}
	rules, err := eligibility.NewService(eligibility.ServiceConfig{Tree: store, Catalog: packages, Logger: logger.Named("eligibility")})
	if err != nil {
		return nil, err
	}
	orderService, err := orders.NewService(orders.ServiceConfig{
		Database:    db,
		Tree:        store,
		Eligibility: rules,
		Logger:      logger.Named("orders"),
	})
	if err != nil {
		return nil, err
	}
	realtime := server.NewRealtimeDispatcher()
	commissions, err := commission.NewService(commission.ServiceConfig{
		Database:    db,
		Tree:        store,
		Catalog:     packages,
		Eligibility: rules,
		Orders:      orderService,
		Notifier:    realtime,
		Logger:      logger.Named("commission"),
	})
	if err != nil {
		return nil, err
	}
	payouts, err := payout.NewService(payout.ServiceConfig{Commissions: commissions, Logger: logger.Named("payout")})
	if err != nil {
		return nil, err
	}
	worker, err := pipeline.New(pipeline.Config{
		Commissions: commissions,
		Payout:      payouts,
		Workers:     appConfig.PipelineWorkers,
		QueueSize:   appConfig.PipelineQueueSize,
		AutoPayout:  appConfig.AutoPayout,
		Logger:      logger.Named("pipeline"),
	})
	if err != nil {
		return nil, err
	}
	orderService.OnConfirmed(worker)
	members, err := participants.NewService(participants.ServiceConfig{Database: db, Tree: store, Logger: logger.Named("participants")})
	if err != nil {
		return nil, err
	}

	return &application{
		config:       appConfig,
		logger:       logger,
		db:           db,
		catalog:      packages,
		participants: members,
		orders:       orderService,
		commissions:  commissions,
		payout:       payouts,
		pipeline:     worker,
		realtime:     realtime,
	}, nil
}

func (a *application) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	tokenManager, err := newTokenIssuer(app.config)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Participants:   app.participants,
		Orders:         app.orders,
		Commissions:    app.commissions,
		Catalog:        app.catalog,
		Pipeline:       app.pipeline,
		Payout:         app.payout,
		Realtime:       app.realtime,
		AllowedOrigins: app.config.AllowedOrigins,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, app.db)
		},
		Logger: app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return app.pipeline.Run(groupCtx)
	})
	group.Go(func() error {
		recovered, err := app.pipeline.Recover(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("order recovery failed", zap.Error(err))
			return nil
		}
		if recovered > 0 {
			app.logger.Info("recovered uncalculated orders", zap.Int("orders", recovered))
		}
		return nil
	})
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
