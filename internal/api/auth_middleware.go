package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/store"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// UserResolver maps a verified token subject to a stored user.
type UserResolver interface {
	FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error)
}

// AuthMiddlewareConfig controls how incoming requests are authenticated.
type AuthMiddlewareConfig struct {
	JWKSURL             string
	ExpectedAudience    string
	ExpectedIssuer      string
	AllowHeaderFallback bool
}

// keySet caches the RSA signing keys published at a JWKS URL. A token naming an unknown
// kid triggers a refetch, throttled to one per minRefresh.
type keySet struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration
	minRefresh time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newKeySet(jwksURL string) *keySet {
	return &keySet{
		url:        strings.TrimSpace(jwksURL),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		ttl:        10 * time.Minute,
		minRefresh: 30 * time.Second,
	}
}

// AuthMiddleware validates bearer JWTs, resolves the subject to a user and injects
// the user into the request context. For controlled local environments the subject
// may instead come from the X-Auth-Subject header.
func AuthMiddleware(cfg AuthMiddlewareConfig, users UserResolver) func(http.Handler) http.Handler {
	keys := newKeySet(cfg.JWKSURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var subject string

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			switch {
			case authHeader != "":
				tokenString, ok := bearerToken(authHeader)
				if !ok {
					writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
					return
				}
				sub, err := verifyToken(r.Context(), keys, tokenString, strings.TrimSpace(cfg.ExpectedAudience), strings.TrimSpace(cfg.ExpectedIssuer))
				if err != nil {
					log.Printf("level=info component=auth msg=\"token rejected\" err=%v", err)
					writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
					return
				}
				subject = sub
			case cfg.AllowHeaderFallback:
				subject = strings.TrimSpace(r.Header.Get("X-Auth-Subject"))
			}

			if subject == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
				return
			}

			user, err := users.FindUserByAuthSubject(r.Context(), subject)
			if err != nil {
				if errors.Is(err, store.ErrUserNotFound) {
					writeError(w, http.StatusUnauthorized, "unauthorized", "No JustBank account is linked to this login")
					return
				}
				log.Printf("level=error component=auth msg=\"user lookup failed\" err=%v", err)
				writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "Could not verify your account. Please try again.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the authenticated user from request context.
func UserFromContext(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	return user, ok && user != nil
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}

// verifyToken checks an RS256 token against keys and returns its subject.
func verifyToken(ctx context.Context, keys *keySet, tokenString, audience, issuer string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return keys.lookup(ctx, kid)
	}, opts...)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func (k *keySet) lookup(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	age := time.Since(k.fetchedAt)
	key, known := k.keys[kid]
	if known && age < k.ttl {
		return key, nil
	}
	if k.keys == nil || age >= k.ttl || (!known && age >= k.minRefresh) {
		if err := k.fetchLocked(ctx); err != nil {
			if known {
				log.Printf("level=warn component=auth msg=\"jwks refresh failed; using cached key\" err=%v", err)
				return key, nil
			}
			return nil, err
		}
		key, known = k.keys[kid]
	}
	if !known {
		return nil, fmt.Errorf("no signing key for kid %q", kid)
	}
	return key, nil
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *keySet) fetchLocked(ctx context.Context) error {
	if k.url == "" {
		return errors.New("AUTH_JWKS_URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		if entry.Kty != "RSA" || entry.Kid == "" {
			continue
		}
		pub, err := entry.rsaPublicKey()
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping malformed jwk\" kid=%s err=%v", entry.Kid, err)
			continue
		}
		keys[entry.Kid] = pub
	}
	// An empty set still counts as a fetch so the refresh throttle applies.
	k.keys = keys
	k.fetchedAt = time.Now()
	return nil
}

func (j jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil || len(n) == 0 {
		return nil, errors.New("invalid modulus")
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil || len(e) == 0 {
		return nil, errors.New("invalid exponent")
	}
	exponent := new(big.Int).SetBytes(e)
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exponent.Int64())}, nil
}
