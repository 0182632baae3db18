package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/auth"
	"messaging-service/internal/errs"
)

const (
	UserIDKey    = "userID"
	SessionIDKey = "sessionID"
)

// TokenValidator resolves an access token to an identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (auth.Identity, error)
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter browsers use for websockets.
func BearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errs.New(errs.ErrUnauthenticated, "missing authorization")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errs.New(errs.ErrUnauthenticated, "invalid authorization header")
	}
	return parts[1], nil
}

// AuthMiddleware validates the bearer token and stores the caller's user and
// session ids in the context.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c)
		if err != nil {
			abort(c, err)
			return
		}

		identity, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(SessionIDKey, identity.SessionID)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	msg := "invalid token"
	if errors.Is(err, errs.ErrUnauthenticated) {
		msg = errs.Message(err)
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": errs.Code(errs.ErrUnauthenticated)})
}
