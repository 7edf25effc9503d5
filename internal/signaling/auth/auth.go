// Package auth verifies the credential a client presents when it opens a
// signaling connection.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for missing, malformed or rejected credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified principal behind a connection.
type Identity struct {
	Subject string
	// Method names the authenticator that accepted the credential.
	Method string
}

// Authenticator checks a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// JWTAuthenticator accepts HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a verifier. A non-empty issuer is enforced.
func NewJWTAuthenticator(secret, issuer string, leeway time.Duration) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Identity{Subject: claims.Subject, Method: "jwt"}, nil
}

// StaticKeys accepts a fixed set of API keys, each mapped to a subject.
type StaticKeys struct {
	keys map[string]string
}

// NewStaticKeys creates an authenticator over key -> subject pairs.
func NewStaticKeys(keys map[string]string) *StaticKeys {
	copied := make(map[string]string, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &StaticKeys{keys: copied}
}

// Authenticate implements Authenticator. Every key is compared in constant time.
func (s *StaticKeys) Authenticate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing key", ErrUnauthenticated)
	}
	subject := ""
	for key, sub := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(credential)) == 1 {
			subject = sub
		}
	}
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: unknown key", ErrUnauthenticated)
	}
	return Identity{Subject: subject, Method: "apikey"}, nil
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if len(c) == 0 {
		return Identity{}, fmt.Errorf("%w: no authenticators configured", ErrUnauthenticated)
	}
	var errs []error
	for _, a := range c {
		id, err := a.Authenticate(ctx, credential)
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return Identity{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	return Identity{}, errors.Join(errs...)
}

// AllowAll accepts any connection; Subject is the credential or "anonymous".
// Used for local development when no secret is configured.
type AllowAll struct{}

// Authenticate implements Authenticator.
func (AllowAll) Authenticate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		credential = "anonymous"
	}
	return Identity{Subject: credential, Method: "none"}, nil
}
