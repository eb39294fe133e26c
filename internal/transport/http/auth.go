package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corepay/payhub/internal/config"
	"github.com/corepay/payhub/internal/identity"
	"github.com/corepay/payhub/internal/saga"
	"github.com/corepay/payhub/internal/token"
)

// NewAuthRouter assembles the auth service routes.
func NewAuthRouter(reg *saga.Registration, users *identity.Store, issuer *token.Issuer, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterAuthHandlers(r, reg, users, issuer)
	return r
}

// RegisterAuthHandlers mounts register/login/refresh/logout.
func RegisterAuthHandlers(r *gin.Engine, reg *saga.Registration, users *identity.Store, issuer *token.Issuer) {
	grp := r.Group("/auth")
	{
		grp.POST("/register", registerHandler(reg))
		grp.POST("/login", loginHandler(users, issuer))
		grp.POST("/refresh", refreshHandler(issuer))
		grp.POST("/logout", AuthRequired(issuer), logoutHandler(issuer))
	}
}

type registerReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func registerHandler(reg *saga.Registration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := reg.Register(c, req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, saga.ErrDuplicateIdentity):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, saga.ErrProvisioningFailed):
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user":   gin.H{"id": res.User.ID, "email": res.User.Email},
			"tokens": res.Tokens,
		})
	}
}

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func loginHandler(users *identity.Store, issuer *token.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := users.Verify(c, req.Email, req.Password)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		pair, err := issuer.Issue(c, user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, pair)
	}
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func refreshHandler(issuer *token.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pair, err := issuer.Rotate(c, req.RefreshToken)
		if err != nil {
			if errors.Is(err, token.ErrInvalidRefreshToken) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, pair)
	}
}

func logoutHandler(issuer *token.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := issuer.Revoke(c, req.RefreshToken); err != nil {
			if errors.Is(err, token.ErrInvalidRefreshToken) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "logged out"})
	}
}
