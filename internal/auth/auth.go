// Package auth validates the bearer tokens issued by the account service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"enquirychat/internal/logger"
)

var (
	ErrMissingToken = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Roles allowed to manage subject channels
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Principal is the authenticated caller
type Principal struct {
	UserID string
	Role   string
	Name   string
}

// Staff reports whether the caller may manage channels on behalf of subjects
func (p Principal) Staff() bool {
	return p.Role == RoleAdmin || p.Role == RoleStaff
}

// Claims mirrors the account service token. Id and Role are capitalised
// there; sub is accepted when Id is absent.
type Claims struct {
	ID   string `json:"Id"`
	Role string `json:"Role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier accepts HS256 tokens signed with secret. An empty issuer
// disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Verify parses and validates a raw token
func (v *Verifier) Verify(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	id := claims.ID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: id, Role: strings.ToLower(claims.Role), Name: claims.Name}, nil
}

// Issue signs a token for p. Used by tests and local tooling.
func (v *Verifier) Issue(p Principal, claims jwt.RegisteredClaims) (string, error) {
	c := Claims{ID: p.UserID, Role: p.Role, Name: p.Name, RegisteredClaims: claims}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// FromRequest authenticates r using the Authorization header, or the
// token query parameter browsers must use for websocket handshakes.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	return v.Verify(tokenFrom(r))
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal set by Middleware
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Middleware rejects requests without a valid token: 401 when it is
// missing, 403 when it does not verify.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.FromRequest(r)
		if err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrMissingToken) {
				status = http.StatusUnauthorized
			}
			logger.Debug("auth_rejected", "path", r.URL.Path, "status", status, "error", err)
			deny(w, status, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func deny(w http.ResponseWriter, status int, err error) {
	msg := ErrInvalidToken.Error()
	if errors.Is(err, ErrMissingToken) {
		msg = ErrMissingToken.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
