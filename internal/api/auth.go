package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalith-99/wirechat/internal/auth"
	"github.com/lalith-99/wirechat/internal/middleware"
	"github.com/lalith-99/wirechat/internal/models"
	"github.com/lalith-99/wirechat/internal/repository"
)

// AuthHandler handles login — the only PUBLIC endpoint. Account
// provisioning lives in a separate back-office system; this service
// only needs to turn a credential into a token the WebSocket handshake
// can present.
type AuthHandler struct {
	userRepo  repository.UserRepository
	adminRepo repository.AdminRepository
	jwtSecret string
	jwtTTL    time.Duration
	logger    *zap.Logger
}

func NewAuthHandler(
	userRepo repository.UserRepository,
	adminRepo repository.AdminRepository,
	jwtSecret string,
	jwtTTL time.Duration,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		userRepo:  userRepo,
		adminRepo: adminRepo,
		jwtSecret: jwtSecret,
		jwtTTL:    jwtTTL,
		logger:    logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=user admin"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Login handles POST /v1/auth/login.
//
// All failure modes — unknown username, wrong password, deactivated
// account — return the same 401, so an attacker can't probe which
// usernames exist.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		id   models.Identity
		hash string
	)
	switch models.Role(req.Role) {
	case models.RoleUser:
		u, err := h.userRepo.GetByUsername(c.Request.Context(), req.Username)
		if err != nil {
			h.logger.Error("login lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if u == nil || !u.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		id = models.Identity{ID: u.ID, Role: models.RoleUser, TenantID: u.AdminID, Username: u.Username}
		hash = u.PasswordHash
	case models.RoleAdmin:
		a, err := h.adminRepo.GetByUsername(c.Request.Context(), req.Username)
		if err != nil {
			h.logger.Error("login lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if a == nil || !a.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		// The admin IS the tenant: TenantID == their own ID.
		id = models.Identity{ID: a.ID, Role: models.RoleAdmin, TenantID: a.ID, Username: a.Username}
		hash = a.PasswordHash
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := auth.GenerateToken(id, h.jwtSecret, h.jwtTTL)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// The cookie is what the browser's WebSocket upgrade will carry;
	// the body token serves API clients that prefer the Bearer header.
	c.SetCookie(middleware.CookieName, token, int(h.jwtTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, authResponse{Token: token})
}
