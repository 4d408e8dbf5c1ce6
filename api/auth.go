package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/skill-exchange/credit"
)

// =============================================================================
// IDENTITY
// =============================================================================

type contextKey string

const ctxUserKey contextKey = "user"

// DevUserHeader carries the caller's user ID when dev mode is on.
const DevUserHeader = "X-User-ID"

// Authenticator resolves the calling user from a bearer token (HS256, sub =
// user ID) or, in dev mode only, from the X-User-ID header. Privileged users
// must always present a token.
type Authenticator struct {
	secret     []byte
	issuer     string
	devHeader  bool
	privileged credit.Authorizer
	now        func() time.Time
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithPrivileged names the users the dev header may never claim.
func WithPrivileged(admins credit.Authorizer) AuthOption {
	return func(a *Authenticator) { a.privileged = admins }
}

func NewAuthenticator(secret, issuer string, devHeader bool, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		secret:    []byte(secret),
		issuer:    issuer,
		devHeader: devHeader,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IssueToken signs a token for user. Used by the CLI and demo scenarios.
func (a *Authenticator) IssueToken(user credit.UserID, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no jwt secret configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   string(user),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(raw string) (credit.UserID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !tok.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return credit.UserID(claims.Subject), nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user credit.UserID
		switch raw := extractBearer(r); {
		case raw != "" && len(a.secret) > 0:
			u, err := a.parse(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", nil)
				return
			}
			user = u
		case a.devHeader && r.Header.Get(DevUserHeader) != "":
			user = credit.UserID(r.Header.Get(DevUserHeader))
			if a.privileged != nil && a.privileged.IsAdmin(r.Context(), user) {
				writeError(w, http.StatusUnauthorized, "Admin identities require a token", nil)
				return
			}
		default:
			writeError(w, http.StatusUnauthorized, "Missing credentials", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user credit.UserID) context.Context {
	return context.WithValue(ctx, ctxUserKey, user)
}

// UserFrom returns the authenticated user, or "" outside the middleware.
func UserFrom(ctx context.Context) credit.UserID {
	u, _ := ctx.Value(ctxUserKey).(credit.UserID)
	return u
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
