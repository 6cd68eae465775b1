package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// Header names accepted when no token secret is configured.
const (
	AccountHeader = "X-Account-ID"
	AdminHeader   = "X-Account-Admin"
)

// Identity is the caller of an authenticated request.
type Identity struct {
	AccountID string
	Admin     bool
}

// Claims are the token claims issued by the account service.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Tracker records account activity.
type Tracker interface {
	Track(ctx context.Context, accountID string)
}

// AuthMiddleware resolves the caller of a request and records its presence.
type AuthMiddleware struct {
	secret  []byte
	tracker Tracker
	logger  zerolog.Logger
	leeway  time.Duration
}

// NewAuthMiddleware creates an auth middleware. With an empty secret the
// caller is taken from trusted headers set by the gateway, which is only
// allowed outside production.
func NewAuthMiddleware(secret string, tracker Tracker, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret:  []byte(secret),
		tracker: tracker,
		logger:  logger,
		leeway:  30 * time.Second,
	}
}

// RequireAuth rejects requests without a valid identity.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.identify(r)
		if err != nil {
			m.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			jsonError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if m.tracker != nil {
			m.tracker.Track(r.Context(), id.AccountID)
		}
		ctx := context.WithValue(r.Context(), IdentityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers without the admin trust level. It must run
// after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r.Context())
		if id == nil || !id.Admin {
			jsonError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) identify(r *http.Request) (*Identity, error) {
	if len(m.secret) == 0 {
		account := strings.TrimSpace(r.Header.Get(AccountHeader))
		if account == "" {
			return nil, errors.New("missing account header")
		}
		return &Identity{AccountID: account, Admin: r.Header.Get(AdminHeader) == "true"}, nil
	}

	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New("missing bearer token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(m.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &Identity{AccountID: claims.Subject, Admin: claims.Admin}, nil
}

// IssueToken signs a token for accountID. Used by tests and local tooling.
func IssueToken(secret, accountID string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetIdentity retrieves the caller from the request context.
func GetIdentity(ctx context.Context) *Identity {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}
