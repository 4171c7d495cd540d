package utils

import (
	"context"
	"sync"
	"time"
)

const blacklistKeyPrefix = "jwt:blacklist:"

var (
	localBlacklist  = map[string]time.Time{}
	localBlacklistM sync.RWMutex
)

// BlacklistToken revokes a token until its natural expiry, so logout takes
// effect before the JWT runs out. Redis keeps the entry when available;
// the in-memory fallback covers single-instance deployments.
func BlacklistToken(token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rc.Set(ctx, blacklistKeyPrefix+token, "1", ttl).Err() == nil {
			return
		}
	}
	localBlacklistM.Lock()
	localBlacklist[token] = expiresAt
	localBlacklistM.Unlock()
}

// IsTokenBlacklisted reports whether the token was revoked. A Redis error
// fails open: a transient outage must not lock every user out.
func IsTokenBlacklisted(token string) bool {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := rc.Exists(ctx, blacklistKeyPrefix+token).Result(); err == nil {
			return n > 0
		}
	}

	localBlacklistM.RLock()
	expiresAt, ok := localBlacklist[token]
	localBlacklistM.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		localBlacklistM.Lock()
		delete(localBlacklist, token)
		localBlacklistM.Unlock()
		return false
	}
	return true
}
