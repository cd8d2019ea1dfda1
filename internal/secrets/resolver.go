// Package secrets resolves Steam account credentials from AWS Secrets
// Manager, with a local TTL cache in front of the API. Secrets follow the
// naming convention {env}/{account}/steam and hold a flat JSON map.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	pkgsecrets "github.com/barterworks/steam-agent/pkg/secrets"
)

// Venue is the trailing secret-name segment for this agent.
const Venue = "steam"

// SteamCredentials is the secret payload for one account. SteamLoginSecure
// and SessionID come from an external login flow; the agent never performs
// password logins itself.
type SteamCredentials struct {
	Username         string
	APIKey           string
	IdentitySecret   string
	SteamLoginSecure string
	SessionID        string
}

// Resolver fetches and caches credentials for accounts.
type Resolver struct {
	logger   *zap.Logger
	env      string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[SteamCredentials]
}

// NewResolver constructs a resolver. env is the secret-name prefix segment
// ("dev", "uat", "prod"). The cache is owned by the caller so its cleanup
// goroutine can share the process lifecycle.
func NewResolver(logger *zap.Logger, env string, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[SteamCredentials]) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		logger:   logger,
		env:      env,
		provider: provider,
		cache:    cache,
	}
}

// secretName builds the AWS Secrets Manager key for an account.
// Pattern: {env}/{account}/steam
func (r *Resolver) secretName(account string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, account, Venue))
}

// Resolve fetches or returns cached credentials for an account.
func (r *Resolver) Resolve(ctx context.Context, account string) (SteamCredentials, error) {
	key := strings.ToLower(account)

	if creds, ok := r.cache.Get(key); ok {
		metrics.IncCacheHit("hit")
		return creds, nil
	}
	metrics.IncCacheHit("miss")

	name := r.secretName(account)
	secretMap, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("aws.secret_fetch_failed",
			zap.String("key", name),
			zap.Error(err))
		return SteamCredentials{}, fmt.Errorf("resolve credentials for %q: %w", account, err)
	}

	creds, err := parseCredentials(secretMap)
	if err != nil {
		return SteamCredentials{}, fmt.Errorf("parse secret %q: %w", name, err)
	}

	r.cache.Put(key, creds)

	r.logger.Info("aws.credentials_resolved",
		zap.String("account", account),
		zap.Bool("has_api_key", creds.APIKey != ""),
		zap.Bool("has_identity_secret", creds.IdentitySecret != ""),
	)
	return creds, nil
}

// Bust drops an account's cached credentials, e.g. after rotation.
func (r *Resolver) Bust(account string) {
	r.cache.Bust(strings.ToLower(account))
}

// DiscoverAccounts lists all accounts that have a steam secret configured.
// It searches for secrets matching the prefix "{env}/" and ending with
// "/steam", then extracts the account from the middle segment.
func (r *Resolver) DiscoverAccounts(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(r.env) + "/"
	suffix := "/" + Venue

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover accounts: %w", err)
	}

	var accounts []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, suffix) {
			continue
		}
		trimmed := strings.TrimPrefix(lower, prefix)
		trimmed = strings.TrimSuffix(trimmed, suffix)
		if trimmed != "" && !strings.Contains(trimmed, "/") {
			accounts = append(accounts, trimmed)
		}
	}

	r.logger.Info("aws.accounts_discovered",
		zap.Int("count", len(accounts)),
		zap.Strings("accounts", accounts),
	)
	return accounts, nil
}

// parseCredentials extracts credentials from the raw secret map. Username
// and the session cookie are required; the rest degrade individual
// features when absent.
func parseCredentials(m map[string]string) (SteamCredentials, error) {
	creds := SteamCredentials{
		Username:         m["username"],
		APIKey:           m["api_key"],
		IdentitySecret:   m["identity_secret"],
		SteamLoginSecure: m["steam_login_secure"],
		SessionID:        m["session_id"],
	}
	if creds.Username == "" {
		return SteamCredentials{}, errors.New("secret missing username")
	}
	if creds.SteamLoginSecure == "" {
		return SteamCredentials{}, errors.New("secret missing steam_login_secure")
	}
	return creds, nil
}
