package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for user data
type contextKey string

const userContextKey contextKey = "user"

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	jwt.RegisteredClaims
	DeviceToken string `json:"device_token,omitempty"` // APNs token of the user's iOS companion app
}

// AuthUser represents the authenticated user in request context
type AuthUser struct {
	ID          string
	DeviceToken string
}

// GenerateToken signs a token for subject that expires after expiry.
func GenerateToken(secret, subject, deviceToken string, expiry time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("JWT secret is not set")
	}
	now := time.Now()
	expiresAt := now.Add(expiry)

	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		DeviceToken: deviceToken,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

func parseToken(secret, tokenString string) (*JWTClaims, error) {
	parser := jwt.NewParser(jwt.WithExpirationRequired())
	token, err := parser.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// bearerToken returns the token from the Authorization header, falling back
// to the token query parameter used by websocket clients.
func bearerToken(req *http.Request) (string, error) {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		if t := req.URL.Query().Get("token"); t != "" {
			return t, nil
		}
		return "", errors.New("missing authorization header")
	}

	// Expect "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

// withAuth is middleware that requires valid JWT authentication. With no
// secret configured every request passes as an anonymous user.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			next.ServeHTTP(w, req)
			return
		}

		tokenString, err := bearerToken(req)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}

		claims, err := parseToken(r.cfg.JWTSecret, tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		// Add user to context
		user := &AuthUser{
			ID:          claims.Subject,
			DeviceToken: claims.DeviceToken,
		}
		ctx := context.WithValue(req.Context(), userContextKey, user)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// getAuthUser extracts the authenticated user from context
func getAuthUser(ctx context.Context) *AuthUser {
	user, _ := ctx.Value(userContextKey).(*AuthUser)
	return user
}
