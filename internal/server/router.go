package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/auth"
	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/participants"
	"github.com/MarcoPoloResearchLab/affiliate/internal/payout"
	"github.com/MarcoPoloResearchLab/affiliate/internal/pipeline"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	subjectContextKey = "affiliate_subject"
	roleContextKey    = "affiliate_role"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingParticipants  = errors.New("participants service dependency required")
	errMissingOrders        = errors.New("orders service dependency required")
	errMissingCommissions   = errors.New("commission service dependency required")
	errMissingCatalog       = errors.New("package catalog dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates bearer tokens.
type TokenManager interface {
	ValidateToken(token string) (auth.Claims, error)
}

// Dependencies wires the services exposed over HTTP. Pipeline, Payout and Realtime are optional.
type Dependencies struct {
	TokenManager      TokenManager
	Participants      *participants.Service
	Orders            *orders.Service
	Commissions       *commission.Service
	Catalog           *catalog.Catalog
	Pipeline          *pipeline.Pipeline
	Payout            *payout.Service
	Realtime          *RealtimeDispatcher
	HealthCheck       func(ctx context.Context) error
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Participants == nil {
		return nil, errMissingParticipants
	}
	if deps.Orders == nil {
		return nil, errMissingOrders
	}
	if deps.Commissions == nil {
		return nil, errMissingCommissions
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		participants: deps.Participants,
		orders:       deps.Orders,
		commissions:  deps.Commissions,
		catalog:      deps.Catalog,
		pipeline:     deps.Pipeline,
		payout:       deps.Payout,
		realtime:     deps.Realtime,
		healthCheck:  deps.HealthCheck,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	me := router.Group("/me")
	me.Use(handler.authorizeRequest)
	me.GET("/commissions", handler.handleMyCommissions)
	me.GET("/stats", handler.handleMyStats)
	me.GET("/tree", handler.handleMyTree)
	if handler.realtime != nil {
		me.GET("/events", handler.handleEvents)
	}

	operator := router.Group("/")
	operator.Use(handler.authorizeRequest, requireRole(auth.RoleOperator))

	operator.POST("/participants", handler.handleRegisterParticipant)
	operator.GET("/participants/:id", handler.handleGetParticipant)
	operator.DELETE("/participants/:id", handler.handleRemoveParticipant)
	operator.GET("/participants/:id/tree", handler.handleParticipantTree)

	operator.POST("/orders", handler.handleCreateOrder)
	operator.GET("/orders/:id", handler.handleGetOrder)
	operator.POST("/orders/:id/confirm", handler.handleConfirmOrder)
	operator.POST("/orders/:id/status", handler.handleOrderStatus)
	operator.POST("/orders/:id/calculate", handler.handleCalculateOrder)
	operator.POST("/orders/:id/payout", handler.handlePayoutOrder)
	operator.GET("/orders/:id/commissions", handler.handleOrderCommissions)

	operator.GET("/commissions", handler.handleListCommissions)
	operator.GET("/commissions/:id", handler.handleGetCommission)
	operator.POST("/commissions/:id/approve", handler.handleApproveCommission)
	operator.POST("/commissions/approve", handler.handleApproveCommissions)
	operator.POST("/milestones", handler.handleAwardMilestone)

	operator.GET("/packages", handler.handleListPackages)
	operator.POST("/packages", handler.handleCreatePackage)
	operator.PATCH("/packages/:code", handler.handleUpdatePackage)
	operator.DELETE("/packages/:code", handler.handleDeletePackage)
	operator.POST("/packages/cache/invalidate", handler.handleInvalidatePackages)

	return router, nil
}

type httpHandler struct {
	tokens       TokenManager
	participants *participants.Service
	orders       *orders.Service
	commissions  *commission.Service
	catalog      *catalog.Catalog
	pipeline     *pipeline.Pipeline
	payout       *payout.Service
	realtime     *RealtimeDispatcher
	healthCheck  func(ctx context.Context) error
	heartbeat    time.Duration
	logger       *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Cache-Control", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for event streams.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Set(roleContextKey, claims.Role)
	c.Next()
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(roleContextKey)
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

type codedError interface {
	Code() string
}

// writeError maps domain errors onto HTTP statuses. The body carries the service error code when
// one exists.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tree.ErrParticipantNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, commission.ErrCommissionNotFound),
		errors.Is(err, commission.ErrCalculationNotFound),
		errors.Is(err, catalog.ErrPackageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, participants.ErrParticipantExists),
		errors.Is(err, commission.ErrCommissionNotPending),
		errors.Is(err, commission.ErrRedriveNotAllowed),
		errors.Is(err, commission.ErrDuplicateCommission),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, tree.ErrSlotTaken),
		errors.Is(err, gorm.ErrDuplicatedKey):
		status = http.StatusConflict
	case errors.Is(err, participants.ErrSponsorNotFound),
		errors.Is(err, participants.ErrInvalidStrategy),
		errors.Is(err, participants.ErrNoOpenSlot),
		errors.Is(err, orders.ErrBuyerNotFound),
		errors.Is(err, orders.ErrInvalidAmount),
		errors.Is(err, orders.ErrInvalidStatus),
		errors.Is(err, commission.ErrInvalidAmount),
		errors.Is(err, commission.ErrInvalidMilestone),
		errors.Is(err, commission.ErrInvalidType),
		errors.Is(err, commission.ErrInvalidStatus),
		errors.Is(err, catalog.ErrInvalidCode),
		errors.Is(err, catalog.ErrInvalidRate),
		errors.Is(err, catalog.ErrInvalidAmount),
		errors.Is(err, tree.ErrInvalidParticipantID),
		errors.Is(err, tree.ErrInvalidPosition),
		errors.Is(err, tree.ErrDepthExceeded),
		errors.Is(err, tree.ErrCycleDetected):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		status = http.StatusServiceUnavailable
	}

	code := http.StatusText(status)
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
