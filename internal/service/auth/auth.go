package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"strings"
	"time"

	"pair_sync/internal/cryptographic/signature"
	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
	"pair_sync/internal/service/directory"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer = "pair_sync"

	SubprotocolPrefix = frames.BearerPrefix

	QueryParam = "token"
)

type (
	// Claims carries the identity id as the JWT subject.
	Claims struct {
		jwt.RegisteredClaims
	}

	// Credentials issues and verifies bearer credentials.
	Credentials struct {
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		ttl  time.Duration
		now  func() time.Time
	}

	// Gate binds verified identities to requests and handshakes.
	Gate struct {
		credentials *Credentials
		directory   *directory.Directory
	}

	ctxKey struct{}
)

// NewCredentials derives the signing key from secret. An empty secret uses a
// random key, which invalidates all credentials on restart.
func NewCredentials(secret string, ttl time.Duration) (*Credentials, error) {
	var (
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		err  error
	)
	if secret == "" {
		pub, priv, err = signature.NewEd25519Keypair()
	} else {
		pub, priv, err = signature.Ed25519KeypairFromSecret(secret)
	}
	if err != nil {
		return nil, err
	}
	return &Credentials{
		pub:  pub,
		priv: priv,
		ttl:  ttl,
		now:  time.Now,
	}, nil
}

// SetClock overrides the time source, used by tests.
func (c *Credentials) SetClock(now func() time.Time) {
	c.now = now
}

// Issue signs a credential for identityID.
func (c *Credentials) Issue(identityID string) (string, time.Time, error) {
	now := c.now()
	expires := now.Add(c.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(c.priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify checks the signature and expiry of token and returns the identity id
// it was issued for.
func (c *Credentials) Verify(token string) (string, error) {
	if token == "" {
		return "", model.Errorf(model.KindAuth, "no token provided")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", model.Errorf(model.KindAuth, "token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "", model.Errorf(model.KindAuth, "invalid token signature")
	default:
		return "", model.Errorf(model.KindAuth, "invalid token")
	}
	if claims.Subject == "" {
		return "", model.Errorf(model.KindAuth, "token has no subject")
	}
	return claims.Subject, nil
}

func NewGate(credentials *Credentials, dir *directory.Directory) *Gate {
	return &Gate{
		credentials: credentials,
		directory:   dir,
	}
}

func (g *Gate) Credentials() *Credentials {
	return g.credentials
}

// bearer strips an optional "Bearer " scheme from an Authorization value.
func bearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// CredentialFromRequest returns the bearer credential of a plain HTTP request.
func CredentialFromRequest(r *http.Request) string {
	return bearer(r.Header.Get("Authorization"))
}

// CredentialFromHandshake returns the credential of a websocket handshake.
// The Authorization header wins over the subprotocol auth field, which wins
// over the query parameter.
func CredentialFromHandshake(r *http.Request) string {
	if token := CredentialFromRequest(r); token != "" {
		return token
	}
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if strings.HasPrefix(proto, SubprotocolPrefix) && len(proto) > len(SubprotocolPrefix) {
				return proto[len(SubprotocolPrefix):]
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryParam))
}

// Authenticate verifies token and resolves the identity it names.
func (g *Gate) Authenticate(token string) (model.Identity, error) {
	id, err := g.credentials.Verify(token)
	if err != nil {
		return model.Identity{}, err
	}
	identity, err := g.directory.Get(id)
	if err != nil {
		return model.Identity{}, model.Errorf(model.KindAuth, "unknown identity")
	}
	return identity, nil
}

// Middleware rejects requests without a valid bearer credential and stores
// the verified identity id in the request context.
func (g *Gate) Middleware(unauthorized func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := g.credentials.Verify(CredentialFromRequest(r))
			if err != nil {
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
