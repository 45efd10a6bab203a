package handlers

import (
	"errors"
	"time"

	"guestvoice-backend/internal/common"
	"guestvoice-backend/internal/models"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// JwtAuth implements common.JWTIssuer with HMAC-signed tokens. In
// production tokens come from the surrounding identity service signed
// with the shared secret; the debug endpoint mints them locally.
type JwtAuth struct {
	Secret string
}

func NewJwtAuth(secret string) *JwtAuth {
	return &JwtAuth{Secret: secret}
}

func (j *JwtAuth) GenerateToken(rc models.RoleContext) (string, error) {
	claims := &common.JwtCustomClaims{
		UserID:    rc.UserID,
		Role:      string(rc.Role),
		Panels:    rc.Panels,
		VillageID: rc.VillageID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(72 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.Secret))
}

func (j *JwtAuth) Middleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(common.JwtCustomClaims)
		},
		SigningKey: []byte(j.Secret),
	})
}

// Identity resolves the caller's RoleContext from the verified token
func (j *JwtAuth) Identity(c echo.Context) (models.RoleContext, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return models.RoleContext{}, errors.New("missing jwt token in context")
	}
	claims, ok := token.Claims.(*common.JwtCustomClaims)
	if !ok {
		return models.RoleContext{}, errors.New("unexpected jwt claims type")
	}

	role := models.Role(claims.Role)
	if role == "" {
		role = models.RoleUser
	}

	return models.RoleContext{
		UserID:    claims.UserID,
		Role:      role,
		Panels:    claims.Panels,
		VillageID: claims.VillageID,
	}, nil
}
