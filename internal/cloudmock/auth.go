package cloudmock

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenGrant is one minted endpoint token, consumable exactly once.
type tokenGrant struct {
	endpointID string
	expires    time.Time
}

type sessionClaims struct {
	EndpointID string `json:"endpointId"`
	AppID      string `json:"appId"`
	jwt.RegisteredClaims
}

// handleMintToken issues an endpoint token for a known app. This mirrors
// development mode, where the client mints tokens itself.
func (svc *Service) handleMintToken(c *gin.Context) {
	var req struct {
		AppID      string `json:"appId"`
		EndpointID string `json:"endpointId"`
		TTL        int    `json:"ttl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AppID == "" || req.EndpointID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing appId or endpointId"})
		return
	}
	if req.AppID != svc.cfg.AppID {
		c.JSON(http.StatusNotFound, gin.H{"error": "app does not exist"})
		return
	}

	ttl := svc.cfg.TokenTTL
	if req.TTL > 0 && time.Duration(req.TTL)*time.Second < ttl {
		ttl = time.Duration(req.TTL) * time.Second
	}

	tokenID := uuid.NewString()
	svc.mu.Lock()
	svc.tokens[tokenID] = tokenGrant{
		endpointID: req.EndpointID,
		expires:    time.Now().Add(ttl),
	}
	svc.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"tokenId": tokenID})
}

// handleSessionToken exchanges an endpoint token for a signed session
// token. Each endpoint token works once.
func (svc *Service) handleSessionToken(c *gin.Context) {
	var req struct {
		TokenID string `json:"tokenId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TokenID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tokenId"})
		return
	}

	svc.mu.Lock()
	grant, ok := svc.tokens[req.TokenID]
	if ok {
		delete(svc.tokens, req.TokenID)
	}
	svc.mu.Unlock()

	if !ok || time.Now().After(grant.expires) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	claims := sessionClaims{
		EndpointID: grant.endpointID,
		AppID:      svc.cfg.AppID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(grant.expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(svc.cfg.Secret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed})
}

// verifySessionToken checks the signature and returns the bound endpoint.
func (svc *Service) verifySessionToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("empty token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(svc.cfg.Secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid || claims.EndpointID == "" {
		return "", fmt.Errorf("invalid claims")
	}
	return claims.EndpointID, nil
}
