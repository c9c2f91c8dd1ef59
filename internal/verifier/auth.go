package verifier

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"edgevideo.ai/edge-wallet/pkg/errors"
)

// Claims of a verification token. Subject is the proven wallet address.
type Claims struct {
	jwt.RegisteredClaims
	// Identity is the subject of the bearer that requested the proof.
	Identity string `json:"identity"`
	ChainID  uint64 `json:"chain_id"`
}

// IssueIdentityToken signs a bearer token for subject, the way the identity
// service of a deployment would.
func IssueIdentityToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, errors.Wrap(err, "sign identity token")
}

// ParseToken validates a verification token issued with secret.
func ParseToken(secret, token string, now time.Time) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, hmacKey(secret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return nil, errors.Wrap(err, "parse verification token")
	}
	return &claims, nil
}

func hmacKey(secret string) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}
}

// subject authenticates the request bearer, ok is false for a missing, expired or forged token.
func (s *Service) subject(ctx *gin.Context) (string, bool) {
	header := ctx.GetHeader("Authorization")
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" || raw == header {
		return "", false
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, hmacKey(s.conf.IdentitySecret),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now))
	if err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

func (s *Service) issueToken(address, identity, nonce string, chainID uint64) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.conf.TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Identity: identity,
		ChainID:  chainID,
	}
	if s.conf.Domain != "" {
		claims.Audience = jwt.ClaimStrings{s.conf.Domain}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.conf.TokenSecret))
	return token, expiresAt, errors.Wrap(err, "sign verification token")
}
