// Package jwttoken issues and validates the bearer tokens that name the acting
// party and role on every API call.
package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	authmw "escrow/pkg/platform/middleware/auth"
)

// Audience is the only audience escrow tokens are minted for.
const Audience = "escrow-api"

// Claims are the access token claims.
type Claims struct {
	PartyID string `json:"party_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService handles token creation and validation.
type JWTService struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewJWTService(signingKey string, issuer string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		now:        time.Now,
	}
}

// Issue mints a token for partyID acting as role.
func (s *JWTService) Issue(partyID id.PartyID, role id.Role, expiresIn time.Duration) (string, error) {
	if partyID.IsNil() {
		return "", dErrors.New(dErrors.CodeValidation, "party ID is required")
	}
	if _, err := id.ParseRole(string(role)); err != nil {
		return "", err
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		PartyID: partyID.String(),
		Role:    string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{Audience},
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return signed, nil
}

// Parse validates tokenString and returns its claims.
func (s *JWTService) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(Audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ValidateToken satisfies the actor middleware.
func (s *JWTService) ValidateToken(tokenString string) (*authmw.ActorClaims, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	return &authmw.ActorClaims{PartyID: claims.PartyID, Role: claims.Role}, nil
}
