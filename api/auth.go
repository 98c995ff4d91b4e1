package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "betfair-streamer"

// GenerateToken mints an HS256 bearer token for the API server. The cmd
// `token` subcommand uses this to hand out credentials for local consumers.
func GenerateToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("auth secret is empty")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": tokenIssuer,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// requireAuth enforces bearer auth when an auth secret is configured.
// Websocket clients may pass the token as a query parameter since browsers
// cannot set headers on websocket upgrades.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthSecret == "" {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			http.Error(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.AuthSecret), nil
		}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			s.logger.WithError(err).Debug("Rejected API token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
