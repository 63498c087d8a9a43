package api

import (
	"errors"
	"net/http"
	"strings"

	"cart-service/internal/cartapi"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionHeader = "X-Session-ID"
	sessionKey    = "session_id"
	authKey       = "authenticated"
	subjectKey    = "subject"
)

// sessionMiddleware assigns every request a browser session id, minting one when absent.
func sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(sessionHeader))
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(sessionKey, id)
		c.Header(sessionHeader, id)
		c.Next()
	}
}

// authMiddleware verifies an optional bearer token. Requests without one are guests.
func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(authKey, false)
			c.Next()
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}
		sub, err := verifyToken(raw, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid token",
				"details": err.Error(),
			})
			return
		}

		c.Set(authKey, true)
		c.Set(subjectKey, sub)
		c.Request = c.Request.WithContext(cartapi.WithToken(c.Request.Context(), raw))
		c.Next()
	}
}

// verifyToken validates raw and returns its subject, which identifies whose member cart
// the session is looking at.
func verifyToken(raw string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token verification is not configured")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}

func isAuthenticated(c *gin.Context) bool {
	return c.GetBool(authKey)
}

func subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
