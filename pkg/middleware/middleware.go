package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/syndicate-api/internal/auth"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/ksred/syndicate-api/pkg/response"
	"golang.org/x/time/rate"
)

// Headers carrying the declared actor when no bearer token is presented
const (
	HeaderActorRole     = "X-Actor-Role"
	HeaderActorIdentity = "X-Actor-Id"

	actorKey = "actor"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits configures requests per minute per endpoint group
type Limits struct {
	Auth     float64
	Workflow float64
	Query    float64
	Burst    int
}

// DefaultLimits mirror the public API tiers
var DefaultLimits = Limits{
	Auth:     10,
	Workflow: 100,
	Query:    1000,
	Burst:    10,
}

// RateLimiter throttles requests per client and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   Limits
	idleTTL  time.Duration
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
		idleTTL:  3 * time.Minute,
	}
}

func (rl *RateLimiter) burst() int {
	if rl.limits.Burst < 1 {
		return 1
	}
	return rl.limits.Burst
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return rate.Limit(rl.limits.Auth / 60.0)
	case strings.HasPrefix(path, "/api/v1/trades/propose"),
		strings.HasPrefix(path, "/api/v1/trades/approve"),
		strings.HasPrefix(path, "/api/v1/trades/reject"),
		strings.HasPrefix(path, "/api/v1/trades/execute"):
		return rate.Limit(rl.limits.Workflow / 60.0)
	case strings.HasPrefix(path, "/api/v1/"):
		return rate.Limit(rl.limits.Query / 60.0)
	default:
		return rate.Inf
	}
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(rl.limitFor(path), rl.burst()),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than the idle TTL
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, key)
		}
	}
}

// Run periodically cleans up idle visitors until ctx is cancelled
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// Handler returns the gin middleware enforcing the limits
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !rl.getLimiter(c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// DeclaredActor resolves the actor performing the request. A bearer token
// issued by the auth service takes precedence; otherwise the actor headers
// are used as declared. Well-formedness is checked later by the authorizer.
func DeclaredActor(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			bearerToken := strings.Split(header, " ")
			if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
				response.Unauthorized(c, "Invalid authorization header format")
				c.Abort()
				return
			}

			claims, err := authService.ValidateToken(bearerToken[1])
			if err != nil {
				response.Unauthorized(c, "Invalid token")
				c.Abort()
				return
			}

			c.Set(actorKey, claims.Actor())
			c.Set("clientID", claims.ClientID)
			c.Next()
			return
		}

		c.Set(actorKey, types.Actor{
			Role:     types.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))),
			Identity: strings.TrimSpace(c.GetHeader(HeaderActorIdentity)),
		})
		c.Next()
	}
}

// ActorFrom returns the actor resolved by DeclaredActor
func ActorFrom(c *gin.Context) types.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(types.Actor); ok {
			return actor
		}
	}
	return types.Actor{}
}
