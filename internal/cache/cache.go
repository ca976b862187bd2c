// Package cache provides the reply cache: a content-addressed map from a
// normalized prompt to a previously generated reply, with expiry and
// single-flight deduplication of concurrent generations.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/metrics"
)

// DefaultTTL is how long a generated reply stays cached.
const DefaultTTL = time.Hour

// FlightTimeout bounds a shared generation. A flight runs detached from the
// context of the caller that started it, so one caller giving up does not
// fail the others waiting on the same prompt.
const FlightTimeout = 2 * time.Minute

// Backend stores cached replies. Implementations report a miss as
// ("", false, nil); an error means the backend itself is unavailable.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// GenerateFunc produces a reply for a prompt.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// ReplyCache routes generation calls through a Backend. The backend is
// advisory: when it fails every call behaves as a miss.
type ReplyCache struct {
	backend Backend
	ttl     time.Duration
	flight  singleflight.Group
}

// New creates a ReplyCache. A non-positive ttl selects DefaultTTL.
func New(backend Backend, ttl time.Duration) *ReplyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ReplyCache{backend: backend, ttl: ttl}
}

// GetOrGenerate returns the cached reply for prompt, or calls generate and
// caches its result. Concurrent calls for the same prompt share a single
// generate call. Generation errors are returned and never cached.
func (c *ReplyCache) GetOrGenerate(ctx context.Context, prompt string, generate GenerateFunc) (string, error) {
	key := Key(prompt)

	if reply, ok := c.lookup(ctx, key); ok {
		return reply, nil
	}

	flight := c.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlightTimeout)
		defer cancel()

		// A flight that just finished may have filled the cache.
		if reply, ok := c.lookup(fctx, key); ok {
			return reply, nil
		}

		metrics.CacheRequests.WithLabelValues("miss").Inc()
		reply, err := generate(fctx, prompt)
		if err != nil {
			return "", err
		}

		if err := c.backend.Set(fctx, key, reply, c.ttl); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("reply cache write failed")
		}
		return reply, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *ReplyCache) lookup(ctx context.Context, key string) (string, bool) {
	reply, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("key", key).Msg("reply cache read failed, treating as miss")
		return "", false
	}
	if ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
	}
	return reply, ok
}

// Close releases the backend.
func (c *ReplyCache) Close() error {
	return c.backend.Close()
}

// Key returns the hex MD5 digest of the normalized prompt.
func Key(prompt string) string {
	sum := md5.Sum([]byte(Normalize(prompt)))
	return hex.EncodeToString(sum[:])
}

// Normalize trims the prompt, converts CRLF to LF and collapses runs of
// whitespace inside each line, so cosmetic differences share a cache entry.
func Normalize(prompt string) string {
	prompt = strings.ReplaceAll(prompt, "\r\n", "\n")
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt renders the rolling-window prompt from the last maxHistory
// history entries and the latest user turn.
func BuildPrompt(history []string, userTurn string, maxHistory int) string {
	if maxHistory >= 0 && len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	var b strings.Builder
	b.WriteString("Histórico resumido:\n")
	b.WriteString(strings.Join(history, "\n"))
	b.WriteString("\n\nUsuário: ")
	b.WriteString(userTurn)
	b.WriteString("\nResponda de forma curta e objetiva (máx. 2 frases):")
	return b.String()
}
