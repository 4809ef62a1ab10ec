package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/auth"
	"github.com/Am-duojie/amdo-s-sub000/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit   = rate.Limit(10.0 / 60.0)  // 10 requests per minute
	tradeLimit  = rate.Limit(100.0 / 60.0) // 100 requests per minute
	walletLimit = rate.Limit(30.0 / 60.0)  // 30 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientIP string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientIP + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/trades"):
			limit = tradeLimit
		case strings.HasPrefix(path, "/api/v1/wallet"):
			limit = walletLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 1), // burst of 1
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for ip, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, ip)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token signed with secret and exposes its
// claims on the context as "claims" and "clientID".
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearer(c.GetHeader("Authorization"), secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		// Ensure required claims exist
		requiredClaims := []string{"client_id", "exp"}
		for _, claim := range requiredClaims {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

// InternalAuth guards routes called by other marketplace services, such as
// the order-completion hook and refunds.
func InternalAuth(secret string) gin.HandlerFunc {
	return requirePermission(secret, auth.PermissionInternal)
}

// AdminAuth guards operator routes such as manual settlement retry.
func AdminAuth(secret string) gin.HandlerFunc {
	return requirePermission(secret, auth.PermissionAdmin)
}

func requirePermission(secret, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearer(c.GetHeader("Authorization"), secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		clientID, ok := claims["client_id"].(string)
		if !ok || clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			c.Abort()
			return
		}
		if !auth.HasPermission(claims, permission) {
			response.Forbidden(c, "Insufficient permissions")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", clientID)
		c.Next()
	}
}

func parseBearer(header, secret string) (jwt.MapClaims, error) {
	if header == "" {
		return nil, errors.New("Authorization header required")
	}
	bearerToken := strings.Split(header, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		return nil, errors.New("Invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, errors.New("Invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("Invalid token claims")
	}
	return claims, nil
}
