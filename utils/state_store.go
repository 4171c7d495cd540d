package utils

import (
	"context"
	"sync"
	"time"
)

const stateKeyPrefix = "oauth:state:"

var (
	localStates  = map[string]time.Time{}
	localStateMu sync.Mutex
)

// SaveState records an OAuth state nonce for later single-use validation.
// Redis holds the nonce when available so validation works across
// instances; otherwise an in-memory map covers the single-instance case.
func SaveState(state string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rc.Set(ctx, stateKeyPrefix+state, "1", ttl).Err() == nil {
			return
		}
	}
	localStateMu.Lock()
	localStates[state] = time.Now().Add(ttl)
	localStateMu.Unlock()
}

// ConsumeState validates a state nonce and invalidates it in the same
// step, so a replayed callback with the same nonce fails.
func ConsumeState(state string) bool {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if v, err := rc.GetDel(ctx, stateKeyPrefix+state).Result(); err == nil {
			return v != ""
		}
	}
	localStateMu.Lock()
	expiry, ok := localStates[state]
	if ok {
		delete(localStates, state)
	}
	localStateMu.Unlock()
	return ok && time.Now().Before(expiry)
}
