package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"modmail/backend/internal/config"
	"modmail/backend/internal/domain"
	"modmail/backend/internal/websocket"
)

// AuthHandler issues staff tokens for the dashboard and API.
type AuthHandler struct {
	cfg config.JWTConfig
	log *zap.Logger
}

func NewAuthHandler(cfg config.JWTConfig, log *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, log: log}
}

type loginRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login checks the admin password and returns a signed token. A deployment
// without a configured password hash has the endpoint disabled.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "name and password are required")
		return
	}

	if h.cfg.AdminPasswordHash == "" || h.cfg.Secret == "" {
		Forbidden(c, "login is not configured")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
		h.log.Warn("failed login attempt",
			zap.String("name", req.Name),
			zap.String("ip", c.ClientIP()))
		Unauthorized(c, "invalid credentials")
		return
	}

	expiry := h.cfg.AccessExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	now := time.Now()
	expiresAt := now.Add(expiry)

	claims := websocket.Claims{
		UserID: req.Name,
		Name:   req.Name,
		Level:  domain.PermissionAdministrator.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.Secret))
	if err != nil {
		InternalError(c, "could not sign token")
		return
	}

	Success(c, loginResponse{Token: signed, ExpiresAt: expiresAt})
}
