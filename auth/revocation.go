package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RevocationList holds revoked token ids until their natural expiry
type RevocationList struct {
	entries sync.Map // jti -> time.Time
	now     func() time.Time
}

// NewRevocationList creates an empty list
func NewRevocationList() *RevocationList {
	return &RevocationList{now: time.Now}
}

// Revoke blocks a token id until expiresAt
func (rl *RevocationList) Revoke(jti string, expiresAt time.Time) {
	rl.entries.Store(jti, expiresAt)
}

// IsRevoked reports whether the token id is revoked and not yet expired
func (rl *RevocationList) IsRevoked(jti string) bool {
	value, ok := rl.entries.Load(jti)
	if !ok {
		return false
	}
	expiresAt, ok := value.(time.Time)
	if !ok {
		return true
	}
	return rl.now().Before(expiresAt)
}

// Cleanup drops entries whose token would have expired anyway
func (rl *RevocationList) Cleanup() int {
	now := rl.now()
	removed := 0
	rl.entries.Range(func(key, value interface{}) bool {
		if expiresAt, ok := value.(time.Time); ok && !now.Before(expiresAt) {
			rl.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Run cleans up periodically until ctx is cancelled
func (rl *RevocationList) Run(ctx context.Context, interval time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				logger.Debugw("Cleaned up expired revocations", "count", n)
			}
		}
	}
}
