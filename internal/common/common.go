package common

import (
	"guestvoice-backend/internal/config"
	"guestvoice-backend/internal/events"
	"guestvoice-backend/internal/feedback"
	"guestvoice-backend/internal/mergeops"
	"guestvoice-backend/internal/models"
	"guestvoice-backend/internal/ratelimit"
	"guestvoice-backend/internal/votes"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// JwtCustomClaims carries the resolved identity: who is acting, under
// which role, on which panels, from which village.
type JwtCustomClaims struct {
	UserID    string   `json:"user_id"`
	Role      string   `json:"role"`
	Panels    []string `json:"panels,omitempty"`
	VillageID string   `json:"village_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer resolves the acting user's identity at call time
type JWTIssuer interface {
	GenerateToken(rc models.RoleContext) (string, error)
	Middleware() echo.MiddlewareFunc
	Identity(c echo.Context) (models.RoleContext, error)
}

// ServerState is shared by the server and every handler
type ServerState struct {
	Echo      *echo.Echo
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	JwtIssuer JWTIssuer
	Events    events.Sink
	Feedback  *feedback.Service
	Ledger    *votes.Ledger
	Merger    *mergeops.Engine
	Limiter   *ratelimit.Limiter
}
