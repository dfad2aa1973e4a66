package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the aud claim every courier bearer token must carry.
const Audience = "courier-api"

// clockSkew tolerates small drift between the identity service and us.
const clockSkew = 5 * time.Second

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingToken = errors.New("missing bearer token")
)

// Identity is the caller asserted by a bearer token: the user id in sub and
// the handle in preferred_username. Tokens are issued by the identity
// service; this package only mints them for development and tests.
type Identity struct {
	Username string `json:"preferred_username"`
	jwt.RegisteredClaims
}

// UserID is the profile id of the caller.
func (id *Identity) UserID() string { return id.Subject }

// Authenticator verifies HS256 bearer tokens from one issuer.
type Authenticator struct {
	key      []byte
	issuer   string
	validity time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewAuthenticator creates an Authenticator sharing secret with issuer.
// validity only applies to tokens minted by GenerateToken.
func NewAuthenticator(secret string, issuer string, validity time.Duration) *Authenticator {
	a := &Authenticator{
		key:      []byte(secret),
		issuer:   issuer,
		validity: validity,
		now:      time.Now,
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a
}

// GenerateToken mints a token for a courier user.
func (a *Authenticator) GenerateToken(userID, username string) (string, error) {
	now := a.now()
	id := Identity{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.validity)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, id).SignedString(a.key)
}

// ValidateToken returns the identity carried by raw. A token without a
// subject is rejected.
func (a *Authenticator) ValidateToken(raw string) (*Identity, error) {
	var id Identity
	_, err := a.parser.ParseWithClaims(raw, &id, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, err
	case id.UserID() == "":
		return nil, ErrInvalidToken
	}
	return &id, nil
}
