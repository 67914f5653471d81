package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"matchwire/backend/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing, malformed or expired credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves a bearer credential to a user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// JWTIdentity issues and verifies HS256 tokens whose subject is the user id.
type JWTIdentity struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTIdentity(secret []byte, ttl time.Duration) *JWTIdentity {
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	return &JWTIdentity{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for userID.
func (j *JWTIdentity) Issue(userID string) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    config.TokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Verify checks the signature, issuer and expiry and returns the subject.
func (j *JWTIdentity) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// bearerToken extracts the credential from the Authorization header, or from
// the token query parameter for browsers that cannot set headers on upgrades.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return c.Query("token")
}

const userIDKey = "userID"

// requireAuth rejects requests without a valid credential and stores the
// resolved user id in the context.
func (h *Handler) requireAuth(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}
	userID, err := h.Auth.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

type devTokenRequest struct {
	UserID string `json:"userId"`
}

// IssueDevToken returns a token for the requested user, or for a fresh random
// id when none is given. Only routed in development.
func (h *Handler) IssueDevToken(c *gin.Context) {
	var req devTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}

	token, err := h.issuer.Issue(req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "userId": req.UserID})
}
