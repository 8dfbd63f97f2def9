package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/ksred/syndicate-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// TokenTTL is how long an issued actor token stays valid
const TokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string      `json:"jwt_token"`
	Expiration time.Time   `json:"expiration"`
	Actor      types.Actor `json:"actor"`
}

// Claims carries the declared actor of the token holder
type Claims struct {
	jwt.RegisteredClaims
	ClientID string     `json:"client_id"`
	Role     types.Role `json:"role"`
	Identity string     `json:"identity"`
}

// Actor returns the actor declared by the claims
func (c *Claims) Actor() types.Actor {
	return types.Actor{Role: c.Role, Identity: c.Identity}
}

type registration struct {
	secret string
	actor  types.Actor
}

// Service issues and validates actor tokens
type Service struct {
	jwtSecret []byte

	mu sync.RWMutex
	// In a real deployment this is backed by an identity provider
	apiCredentials map[string]registration // map[APIKey]registration
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		apiCredentials: make(map[string]registration),
	}
}

// RegisterAPICredentials binds an API key pair to the actor it acts as
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, actor types.Actor) error {
	if err := Authorize(actor, actor.Role); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = registration{secret: apiSecret, actor: actor}
	return nil
}

// GenerateToken issues a JWT declaring the actor bound to the credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	reg, exists := s.apiCredentials[creds.APIKey]
	s.mu.RUnlock()
	if !exists || reg.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(TokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   reg.actor.Identity,
		},
		ClientID: creds.APIKey,
		Role:     reg.actor.Role,
		Identity: reg.actor.Identity,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Actor:      reg.actor,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate actor tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
