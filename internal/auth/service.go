package auth

import (
	"crypto/rsa"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/disbursement-core/internal"
)

const clockSkew = 30 * time.Second

type TokenVerifierAPI interface {
	Verify(tokenString string) (*User, error)
}

// JWTVerifier checks RS256 bearer tokens minted by the identity provider.
type JWTVerifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	logger    *slog.Logger
}

func NewJWTVerifier(publicKey *rsa.PublicKey, issuer string, logger *slog.Logger) *JWTVerifier {
	return &JWTVerifier{
		publicKey: publicKey,
		issuer:    issuer,
		logger:    logger,
	}
}

// Verify validates the token and returns the user it describes. Roles the
// service does not know are dropped.
func (v *JWTVerifier) Verify(tokenString string) (*User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, internal.ErrTokenExpired
		}
		v.logger.Debug("token rejected", "error", err)
		return nil, internal.ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return nil, internal.ErrInvalidToken
	}

	user := &User{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
		Roles: make([]Role, 0, len(claims.Roles)),
	}
	for _, raw := range claims.Roles {
		role, ok := ParseRole(raw)
		if !ok {
			v.logger.Warn("ignoring unknown role in token", "role", raw, "user_id", claims.Subject)
			continue
		}
		user.Roles = append(user.Roles, role)
	}
	return user, nil
}
