package wsconn

import (
	"net/http"
	"strings"
	"sync"
)

var (
	originMu    sync.RWMutex
	checkOrigin = allowAnyOrigin
)

func allowAnyOrigin(*http.Request) bool {
	return true
}

// SetCheckOrigin sets the origin checker used by Upgrade. A nil fn accepts every origin.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	originMu.Lock()
	defer originMu.Unlock()
	if fn == nil {
		fn = allowAnyOrigin
	}
	checkOrigin = fn
}

func currentCheckOrigin() func(r *http.Request) bool {
	originMu.RLock()
	defer originMu.RUnlock()
	return checkOrigin
}

// AllowOrigins returns an origin checker accepting the listed origins,
// compared case-insensitively. An empty list or "*" accepts every origin.
// Requests without an Origin header are not from a browser and are accepted.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin == "*" {
			return allowAnyOrigin
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return allowAnyOrigin
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}
