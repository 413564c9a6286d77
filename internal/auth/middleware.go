package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const sessionIDKey contextKey = "authSessionID"

// Issuer is the iss claim of session tokens.
const Issuer = "pii-masker"

// ErrMissingSecret is returned when tokens cannot be signed.
var ErrMissingSecret = errors.New("missing JWT secret")

// GetSessionID retrieves the authenticated session from context.
func GetSessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(sessionIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// IssueToken signs a session token whose subject is sessionID.
func IssueToken(secret, audience, sessionID string, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", ErrMissingSecret
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWTMiddleware validates session tokens and injects the session id. The
// token is read from the Authorization header, or from the "token" query
// parameter for websocket upgrades which cannot set headers.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	return func(c *gin.Context) {
		tokenString, err := extractToken(c)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if secret == "" {
			unauthorized(c, ErrMissingSecret.Error())
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		}, jwt.WithIssuer(Issuer))
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		if audience != "" && !containsAudience(claims.Audience, audience) {
			unauthorized(c, "invalid audience")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		ctx := context.WithValue(c.Request.Context(), sessionIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(sessionIDKey), claims.Subject)

		c.Next()
	}
}

func extractToken(c *gin.Context) (string, error) {
	if header := c.Request.Header.Get("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token, nil
	}
	return "", errors.New("authorization header required")
}

func extractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
