package services

import (
	"context"
	"sync"
	"time"

	"peercall/internal/core/ports"
	"peercall/pkg/clock"
	"peercall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultCredentialSafetyMargin is subtracted from the relay-issued TTL.
const DefaultCredentialSafetyMargin = 5 * time.Minute

type relayEntry struct {
	servers   []webrtc.ICEServer
	expiresAt time.Time
}

// CredentialCache merges static reflection servers with relay credentials
// fetched from the trust boundary, reusing them until they are close to expiry.
type CredentialCache struct {
	reflection   []webrtc.ICEServer
	fetcher      ports.CredentialFetcher
	safetyMargin time.Duration
	clock        clock.Clock
	logger       *zap.SugaredLogger

	mu    sync.Mutex
	entry *relayEntry
}

func NewCredentialCache(
	reflectionURLs []string,
	fetcher ports.CredentialFetcher,
	safetyMargin time.Duration,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *CredentialCache {
	var reflection []webrtc.ICEServer
	if len(reflectionURLs) > 0 {
		reflection = []webrtc.ICEServer{{URLs: append([]string(nil), reflectionURLs...)}}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CredentialCache{
		reflection:   reflection,
		fetcher:      fetcher,
		safetyMargin: safetyMargin,
		clock:        clk,
		logger:       logger,
	}
}

// ICEConfiguration returns reflection servers plus valid relay servers.
// Failures degrade to reflection servers only and are never cached.
func (c *CredentialCache) ICEConfiguration(ctx context.Context) []webrtc.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.entry != nil && now.Before(c.entry.expiresAt) {
		return c.merge(c.entry.servers)
	}
	c.entry = nil

	if c.fetcher == nil {
		return c.merge(nil)
	}

	creds, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.logger.Warnw("relay credential fetch failed, using reflection servers only", "error", err)
		return c.merge(nil)
	}
	if creds == nil || !creds.Success || len(creds.URLs) == 0 {
		c.logger.Warnw("relay credentials unavailable, using reflection servers only")
		return c.merge(nil)
	}

	if creds.TTL <= 0 {
		c.logger.Warnw("relay credentials already expired, using reflection servers only",
			"ttl_seconds", creds.TTL,
		)
		return c.merge(nil)
	}

	servers := make([]webrtc.ICEServer, 0, len(creds.URLs))
	for _, url := range creds.URLs {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{url},
			Username:       creds.Username,
			Credential:     creds.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	// short-lived credentials serve this call only
	lifetime := time.Duration(creds.TTL)*time.Second - c.safetyMargin
	if lifetime <= 0 {
		c.logger.Infow("relay credential ttl inside safety margin, not caching",
			"ttl_seconds", creds.TTL,
		)
		return c.merge(servers)
	}
	c.entry = &relayEntry{servers: servers, expiresAt: now.Add(lifetime)}

	c.logger.Debugw("relay credentials cached",
		"servers", len(servers),
		"username", utils.MaskSensitive(creds.Username, 4),
		"expires_at", c.entry.expiresAt,
	)
	return c.merge(servers)
}

// Invalidate drops any cached relay credentials.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

func (c *CredentialCache) merge(relay []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.reflection)+len(relay))
	out = append(out, c.reflection...)
	return append(out, relay...)
}
