package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/naturenet/naturenet-node/internal/auth"
	"github.com/naturenet/naturenet-node/internal/propagation"
	"github.com/naturenet/naturenet-node/internal/users"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const operatorContextKey = "naturenet_operator"

var (
	errMissingTokenValidator = errors.New("operator token validator dependency required")
	errMissingMaintenance    = errors.New("maintenance dependency required")
	errMissingAccounts       = errors.New("account provisioner dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// OperatorTokenValidator checks operator bearer tokens.
type OperatorTokenValidator interface {
	ValidateToken(token string) (auth.OperatorClaims, error)
}

// Maintenance runs the operator-triggered sweeps.
type Maintenance interface {
	SweepInactive(ctx context.Context) (propagation.SweepReport, error)
	Repair(ctx context.Context) (propagation.RepairReport, error)
}

// AccountProvisioner registers accounts reported by the identity provider.
type AccountProvisioner interface {
	Provision(ctx context.Context, request users.ProvisionRequest) (users.Account, bool, error)
}

// DispatcherStatus reports the state of the change dispatcher for health checks.
type DispatcherStatus interface {
	IsRunning() bool
	Pending() int64
}

// Dependencies bundles what the ops HTTP surface needs.
type Dependencies struct {
	Tokens      OperatorTokenValidator
	Maintenance Maintenance
	Accounts    AccountProvisioner
	Dispatcher  DispatcherStatus
	Logger      *zap.Logger
}

// NewHTTPHandler builds the ops router: health, metrics and the operator endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Maintenance == nil {
		return nil, errMissingMaintenance
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:      deps.Tokens,
		maintenance: deps.Maintenance,
		accounts:    deps.Accounts,
		dispatcher:  deps.Dispatcher,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ops := router.Group("/ops")
	ops.Use(handler.authorizeRequest)
	ops.POST("/sweeps/inactive", handler.handleSweepInactive)
	ops.POST("/repair", handler.handleRepair)
	ops.POST("/accounts", handler.handleProvisionAccount)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens      OperatorTokenValidator
	maintenance Maintenance
	accounts    AccountProvisioner
	dispatcher  DispatcherStatus
	logger      *zap.Logger
}

type healthResponsePayload struct {
	Status            string `json:"status"`
	DispatcherRunning bool   `json:"dispatcher_running"`
	PendingDeliveries int64  `json:"pending_deliveries"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := healthResponsePayload{Status: "ok"}
	if h.dispatcher != nil {
		response.DispatcherRunning = h.dispatcher.IsRunning()
		response.PendingDeliveries = h.dispatcher.Pending()
		if !response.DispatcherRunning {
			response.Status = "starting"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSweepInactive(c *gin.Context) {
	report, err := h.maintenance.SweepInactive(c.Request.Context())
	if err != nil {
		h.logger.Error("inactivity sweep failed", zap.String("operator", c.GetString(operatorContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleRepair(c *gin.Context) {
	report, err := h.maintenance.Repair(c.Request.Context())
	if err != nil {
		h.logger.Error("repair sweep failed", zap.String("operator", c.GetString(operatorContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "repair_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type provisionRequestPayload struct {
	UserID   string `json:"user_id" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Provider string `json:"provider"`
}

type provisionResponsePayload struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	Created   bool      `json:"created"`
}

func (h *httpHandler) handleProvisionAccount(c *gin.Context) {
	var request provisionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, created, err := h.accounts.Provision(c.Request.Context(), users.ProvisionRequest{
		UserID:   request.UserID,
		Email:    request.Email,
		Provider: request.Provider,
	})
	if err != nil {
		if errors.Is(err, users.ErrInvalidAccount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to provision account", zap.String("user_id", request.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provision_failed"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, provisionResponsePayload{
		UserID:    account.UserID,
		Email:     account.Email,
		Provider:  account.Provider,
		CreatedAt: account.CreatedAt,
		Created:   created,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredOperatorToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, claims.Subject)
	c.Next()
}
