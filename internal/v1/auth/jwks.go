package auth

import (
	"context"
	"fmt"
	"time"

	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/voicelink/signaling/internal/v1/types"
)

// jwksValidator validates RS256 tokens issued by an external identity
// provider, with the key set cached and refreshed in the background.
type jwksValidator struct {
	cache    *jwk.Cache
	jwksURL  string
	issuer   string
	audience string
}

func newJWKSValidator(ctx context.Context, domain, audience string) (*jwksValidator, error) {
	issuer := "https://" + domain + "/"
	jwksURL := issuer + ".well-known/jwks.json"

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register JWKS url: %w", err)
	}
	// Prime the cache so a broken issuer fails startup, not the first connect.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}

	return &jwksValidator{
		cache:    cache,
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
	}, nil
}

func (v *jwksValidator) validate(ctx context.Context, token string) (types.Identity, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return types.Identity{}, fmt.Errorf("get key set: %w", err)
	}

	opts := []jwxjwt.ParseOption{
		jwxjwt.WithKeySet(keySet),
		jwxjwt.WithValidate(true),
		jwxjwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		opts = append(opts, jwxjwt.WithAudience(v.audience))
	}

	tok, err := jwxjwt.ParseString(token, opts...)
	if err != nil {
		return types.Identity{}, fmt.Errorf("parse token: %w", err)
	}

	id := types.Identity{}
	if raw, ok := tok.Get("userId"); ok {
		switch n := raw.(type) {
		case float64:
			id.UserId = types.UserIdType(n)
		case int64:
			id.UserId = types.UserIdType(n)
		}
	}
	if id.UserId <= 0 {
		return types.Identity{}, fmt.Errorf("token missing userId claim")
	}
	if raw, ok := tok.Get("displayName"); ok {
		if s, ok := raw.(string); ok {
			id.DisplayName = s
		}
	}
	if raw, ok := tok.Get("avatar"); ok {
		if s, ok := raw.(string); ok {
			id.AvatarRef = s
		}
	}
	return id, nil
}
