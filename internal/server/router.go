package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/launch"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	errMissingVerifier      = errors.New("launch token verifier dependency required")
	errMissingLaunchService = errors.New("launch service dependency required")
	errMissingSessionIssuer = errors.New("session issuer dependency required")
)

// LaunchTokenVerifier validates a raw launch token and returns its claim set.
type LaunchTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (jwt.MapClaims, error)
}

// SessionIssuer issues the tool session token after a successful launch.
type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, localUserID, resourceID, display string) (string, int64, error)
}

// Dependencies wires the HTTP surface to the launch pipeline.
type Dependencies struct {
	Verifier      LaunchTokenVerifier
	LaunchService *launch.Service
	Sessions      SessionIssuer
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router serving the launch endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.LaunchService == nil {
		return nil, errMissingLaunchService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.Verifier,
		launches: deps.LaunchService,
		sessions: deps.Sessions,
		logger:   logger,
	}

	router.POST("/lti/launch", handler.handleLaunch)
	router.GET("/healthz", handler.handleHealth)

	return router, nil
}

type httpHandler struct {
	verifier LaunchTokenVerifier
	launches *launch.Service
	sessions SessionIssuer
	logger   *zap.Logger
}

type launchResponsePayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
	ResourceID  string `json:"resource_id"`
	Display     string `json:"display"`
}

// handleLaunch accepts the platform's id_token as a form field (the OIDC
// launch POST) or a JSON body, verifies it and runs the launch pipeline.
func (h *httpHandler) handleLaunch(c *gin.Context) {
	rawToken := h.extractToken(c)
	if rawToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), rawToken)
	if err != nil {
		h.logger.Warn("launch token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	data, err := launch.ParseLaunchClaims(claims)
	if err != nil {
		h.logger.Warn("launch claims rejected", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_launch"})
		return
	}

	result, err := h.launches.Launch(c.Request.Context(), data)
	if err != nil {
		h.respondLaunchError(c, err)
		return
	}

	token, expiresIn, err := h.sessions.IssueSessionToken(
		c.Request.Context(), result.LocalUserID, result.Resource.ResourceID, string(result.Display))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, launchResponsePayload{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		UserID:      result.LocalUserID,
		ResourceID:  result.Resource.ResourceID,
		Display:     string(result.Display),
	})
}

func (h *httpHandler) extractToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.PostForm("id_token")); token != "" {
		return token
	}
	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.IDToken)
}

func (h *httpHandler) respondLaunchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, launch.ErrInvalidLaunch):
		h.logger.Warn("launch rejected", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_launch"})
	case errors.Is(err, launch.ErrUnknownRegistration), errors.Is(err, launch.ErrUnknownDeployment):
		h.logger.Warn("launch from untrusted platform", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("launch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "launch_failed"})
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
