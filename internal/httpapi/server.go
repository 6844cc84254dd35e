package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bujie9527/dapp/internal/charge"
	"github.com/bujie9527/dapp/internal/storage"
)

// Pinger reports storage connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the operator-facing HTTP API.
type Server struct {
	engine     *gin.Engine
	service    *charge.Service
	settings   storage.SettingStore
	health     Pinger
	logger     *zap.Logger
	adminToken string
}

// NewServer wires routes and middleware. adminToken may be empty, in which
// case auth is left entirely to the deployment in front of the service.
func NewServer(service *charge.Service, settingStore storage.SettingStore, health Pinger, adminToken string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		service:    service,
		settings:   settingStore,
		health:     health,
		logger:     logger,
		adminToken: adminToken,
	}

	engine.Use(s.requestLog)
	engine.GET("/healthz", s.healthz)

	admin := engine.Group("/", s.requireAdmin)
	admin.POST("/charge", s.submitCharge)
	admin.GET("/charge/status", s.chargeStatus)
	admin.GET("/settings", s.listSettings)
	admin.PUT("/settings/:key", s.putSetting)

	return s
}

// Handler exposes the router for the HTTP server and for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Info("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header || token != s.adminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func operatorFrom(c *gin.Context) string {
	if user := strings.TrimSpace(c.GetHeader("X-Admin-User")); user != "" {
		return user
	}
	return "admin"
}

type chargeRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Ref     string `json:"ref"`
}

func (s *Server) submitCharge(c *gin.Context) {
	var body chargeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "errorCode": string(charge.KindValidationFailed)})
		return
	}
	if body.Address == "" || body.Amount == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address and amount required", "errorCode": string(charge.KindValidationFailed)})
		return
	}

	result, err := s.service.Submit(c.Request.Context(), charge.Request{
		Address:     body.Address,
		Amount:      body.Amount,
		Ref:         body.Ref,
		RequestedBy: operatorFrom(c),
	})
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chargeId": result.ChargeID,
		"txHash":   result.TxHash,
		"ref":      result.Ref,
	})
}

func (s *Server) chargeStatus(c *gin.Context) {
	chargeID := c.Query("chargeId")
	if chargeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chargeId required"})
		return
	}
	row, found, err := s.service.GetCharge(c.Request.Context(), chargeID)
	if err != nil {
		s.logger.Error("charge status lookup failed", zap.String("charge_id", chargeID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get charge status"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "charge not found"})
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) listSettings(c *gin.Context) {
	items, err := s.settings.ListSettings(c.Request.Context())
	if err != nil {
		s.logger.Error("list settings failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": items})
}

type settingRequest struct {
	Value string `json:"value"`
}

func (s *Server) putSetting(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "setting key required"})
		return
	}
	var body settingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.settings.PutSetting(c.Request.Context(), key, body.Value, operatorFrom(c)); err != nil {
		s.logger.Error("put setting failed", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store setting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) renderError(c *gin.Context, err error) {
	kind := charge.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case charge.KindValidationFailed:
		status = http.StatusBadRequest
	case charge.KindInsufficientAuthorization, charge.KindChargePending:
		status = http.StatusConflict
	case charge.KindConfigurationMissing, charge.KindSubmissionFailed:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("charge failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["errorCode"] = string(kind)
	}
	c.JSON(status, body)
}
