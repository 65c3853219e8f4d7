package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const issuer = "arqmavisor"

// AuthMiddleware accepts a bearer JWT signed with the configured secret or
// a known X-API-Key. Websocket clients, which cannot set headers, may pass
// either as the token query parameter.
type AuthMiddleware struct {
	jwtSecret []byte
	logger    *logger.Logger

	mu      sync.RWMutex
	apiKeys map[string]*APIKey
}

// APIKey is a static credential.
type APIKey struct {
	Key       string
	Name      string
	CreatedAt time.Time
	LastUsed  *time.Time
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
}

// NewAuthMiddleware creates a new authentication middleware. An empty
// secret disables JWT validation.
func NewAuthMiddleware(jwtSecret string, log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		apiKeys:   make(map[string]*APIKey),
		logger:    log.Named("auth"),
	}
}

// AddAPIKey adds an API key
func (a *AuthMiddleware) AddAPIKey(key, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiKeys[key] = &APIKey{Key: key, Name: name, CreatedAt: time.Now()}
}

// Authenticate returns a middleware function for authentication
func (a *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			if a.validateJWT(c, strings.TrimPrefix(header, "Bearer ")) {
				c.Next()
				return
			}
		}

		if key := c.GetHeader("X-API-Key"); key != "" && a.validateAPIKey(c, key) {
			c.Next()
			return
		}

		if token := c.Query("token"); token != "" {
			if a.validateAPIKey(c, token) || a.validateJWT(c, token) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Authentication required",
		})
	}
}

func (a *AuthMiddleware) validateJWT(c *gin.Context, tokenString string) bool {
	if len(a.jwtSecret) == 0 {
		return false
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		a.logger.Debug("JWT validation failed", zap.Error(err))
		return false
	}

	c.Set("subject", claims.Subject)
	return true
}

func (a *AuthMiddleware) validateAPIKey(c *gin.Context, key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for known, apiKey := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(known), []byte(key)) == 1 {
			now := time.Now()
			apiKey.LastUsed = &now
			c.Set("api_key_name", apiKey.Name)
			return true
		}
	}
	a.logger.Debug("API key not found")
	return false
}

// GenerateJWT issues a token for subject valid for ttl.
func (a *AuthMiddleware) GenerateJWT(subject string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter allows requestsPerMinute per client IP, with bursts of
// the same size.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from ip may proceed.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[ip] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

// Middleware returns the gin handler enforcing the limit.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
