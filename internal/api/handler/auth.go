package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	ctxUserID = "userID"

	// ScopeInternal marks tokens of collaborating services.
	ScopeInternal = "internal"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims this service accepts. Subject is the decimal user id.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// GenerateToken issues a signed JWT for userID.
func (a *Authenticator) GenerateToken(userID uint64, scope string) (string, error) {
	now := a.now()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies the token and returns its claims and user id.
func (a *Authenticator) Parse(token string) (*Claims, uint64, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return nil, 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims, userID, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// EventSource or WebSocket requests, so access_token in the query also works.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("access_token")
}

// RequireUser rejects requests without a valid token and stores the user id.
func (a *Authenticator) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
			return
		}
		_, userID, err := a.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// RequireScope must run after RequireUser.
func (a *Authenticator) RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _, err := a.Parse(bearerToken(c))
		if err != nil || claims.Scope != scope {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) uint64 {
	return c.GetUint64(ctxUserID)
}
