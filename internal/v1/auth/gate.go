// Package auth gates WebSocket upgrades: token validation (HS256 by default,
// JWKS when configured), a Redis-backed revocation list, and the Origin
// allow-list check. Every outcome is counted so dashboards can tell refused
// connects from broken ones.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicelink/signaling/internal/v1/logging"
	"github.com/voicelink/signaling/internal/v1/metrics"
	"github.com/voicelink/signaling/internal/v1/types"
)

// Claims is the token payload the service accepts. UserId comes from the
// backend's numeric id space; display fields ride along so the socket layer
// never needs a profile lookup at connect time.
type Claims struct {
	UserId      types.UserIdType `json:"userId"`
	DisplayName string           `json:"displayName"`
	Avatar      string           `json:"avatar,omitempty"`
	Level       int              `json:"level,omitempty"`
	jwt.RegisteredClaims
}

// Gate validates connection credentials.
type Gate struct {
	secret      []byte
	maxTokenAge time.Duration
	rdb         *redis.Client
	jwks        *jwksValidator // nil unless JWKS_DOMAIN is configured
	origins     map[string]bool
	allowAllOrigins bool
}

// Options configures a Gate.
type Options struct {
	Secret          string
	MaxTokenAge     time.Duration
	AllowedOrigins  string // comma separated; empty allows all (development)
	JWKSDomain      string
	JWKSAudience    string
	DevelopmentMode bool
}

// NewGate builds a Gate. rdb may be nil, which disables revocation checks
// (used in tests that do not exercise revocation).
func NewGate(ctx context.Context, opts Options, rdb *redis.Client) (*Gate, error) {
	g := &Gate{
		secret:      []byte(opts.Secret),
		maxTokenAge: opts.MaxTokenAge,
		rdb:         rdb,
		origins:     map[string]bool{},
	}

	if opts.AllowedOrigins == "" {
		if !opts.DevelopmentMode {
			logging.Warn(ctx, "ALLOWED_ORIGINS not set, accepting any Origin")
		}
		g.allowAllOrigins = true
	} else {
		for _, o := range strings.Split(opts.AllowedOrigins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				g.origins[o] = true
			}
		}
	}

	if opts.JWKSDomain != "" {
		v, err := newJWKSValidator(ctx, opts.JWKSDomain, opts.JWKSAudience)
		if err != nil {
			return nil, fmt.Errorf("init JWKS validator: %w", err)
		}
		g.jwks = v
		logging.Info(ctx, "auth gate using JWKS validation", zap.String("domain", opts.JWKSDomain))
	}

	return g, nil
}

// Authenticate validates the credential string from the upgrade request and
// returns the caller's identity. The "Bearer " prefix is tolerated so the
// same value works from a header or a query parameter.
func (g *Gate) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	if token == "" {
		metrics.AuthOutcomes.WithLabelValues("missing").Inc()
		return types.Identity{}, types.E(types.ErrAuthRequired)
	}

	if revoked, err := g.isRevoked(ctx, token); err != nil {
		logging.Warn(ctx, "revocation check failed, refusing connection", zap.Error(err))
		metrics.AuthOutcomes.WithLabelValues("error").Inc()
		return types.Identity{}, types.E(types.ErrAuthFailed)
	} else if revoked {
		metrics.AuthOutcomes.WithLabelValues("revoked").Inc()
		return types.Identity{}, types.E(types.ErrInvalidCredentials)
	}

	var (
		id  types.Identity
		err error
	)
	if g.jwks != nil {
		id, err = g.jwks.validate(ctx, token)
	} else {
		id, err = g.validateHS256(token)
	}
	if err != nil {
		logging.Debug(ctx, "token validation failed", zap.Error(err))
		metrics.AuthOutcomes.WithLabelValues("invalid").Inc()
		return types.Identity{}, types.E(types.ErrInvalidCredentials)
	}

	metrics.AuthOutcomes.WithLabelValues("accepted").Inc()
	return id, nil
}

func (g *Gate) validateHS256(token string) (types.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return types.Identity{}, err
	}
	if !parsed.Valid {
		return types.Identity{}, fmt.Errorf("token invalid")
	}
	if claims.UserId <= 0 {
		return types.Identity{}, fmt.Errorf("token missing userId")
	}

	// Expiry alone is not enough: long-lived tokens are refused past the
	// age ceiling even when exp is far in the future.
	if g.maxTokenAge > 0 && claims.IssuedAt != nil {
		if time.Since(claims.IssuedAt.Time) > g.maxTokenAge {
			return types.Identity{}, fmt.Errorf("token older than max age")
		}
	}

	return types.Identity{
		UserId:      claims.UserId,
		DisplayName: claims.DisplayName,
		AvatarRef:   claims.Avatar,
		Level:       claims.Level,
	}, nil
}

// revocationKey hashes the token so raw credentials never land in the store.
func revocationKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "auth:revoked:" + hex.EncodeToString(sum[:])
}

func (g *Gate) isRevoked(ctx context.Context, token string) (bool, error) {
	if g.rdb == nil {
		return false, nil
	}
	n, err := g.rdb.Exists(ctx, revocationKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke marks a token as unusable until it would have expired anyway.
func (g *Gate) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if g.rdb == nil {
		return fmt.Errorf("revocation store not configured")
	}
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	return g.rdb.Set(ctx, revocationKey(token), "1", ttl).Err()
}

// CheckOrigin implements the upgrade-time Origin policy. Browser clients
// always send Origin; its absence is treated as a non-browser caller and
// allowed, matching the token being the real credential.
func (g *Gate) CheckOrigin(origin string) bool {
	if g.allowAllOrigins || origin == "" {
		return true
	}
	if g.origins[origin] {
		return true
	}
	// Tolerate scheme-less entries in the allow list.
	if u, err := url.Parse(origin); err == nil && u.Host != "" && g.origins[u.Host] {
		return true
	}
	metrics.AuthOutcomes.WithLabelValues("origin_rejected").Inc()
	return false
}
