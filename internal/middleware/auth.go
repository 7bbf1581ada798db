package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/opd-queue/pkg/auth"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/httputil"
)

const ContextClaims = "claims"

type AuthMiddleware struct {
	tokens   *auth.TokenService
	disabled bool
}

// NewAuthMiddleware verifies bearer tokens with tokens. When disabled every
// request runs as an anonymous admin, which is only meant for local use.
func NewAuthMiddleware(tokens *auth.TokenService, disabled bool) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, disabled: disabled}
}

// Authenticate verifies the bearer token and stores its claims in the context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.disabled {
			c.Set(ContextClaims, &auth.Claims{Role: auth.RoleAdmin})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, apperrors.Unauthorized(nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abort(c, apperrors.Unauthorized(nil))
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			abort(c, apperrors.Unauthorized(err))
			return
		}

		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// RequireRole lets through callers holding one of roles.
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, apperrors.Unauthorized(nil))
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		abort(c, apperrors.Forbidden("permission denied"))
	}
}

// RequireDoctorAccess restricts a doctor to the queue named by the path
// parameter. Admins may act on any queue.
func (m *AuthMiddleware) RequireDoctorAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, apperrors.Unauthorized(nil))
			return
		}
		switch {
		case claims.Role == auth.RoleAdmin:
		case claims.Role == auth.RoleDoctor && strings.EqualFold(claims.DoctorID, c.Param(param)):
		default:
			abort(c, apperrors.Forbidden("not allowed to manage this doctor's queue"))
			return
		}
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func abort(c *gin.Context, err error) {
	httputil.RespondWithError(c, err)
	c.Abort()
}
