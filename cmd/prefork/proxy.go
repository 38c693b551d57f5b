package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"
)

// buildHandler returns the application handler the workers serve: a reverse
// proxy when an upstream is configured, otherwise a built-in placeholder.
func buildHandler(upstream string) (http.Handler, error) {
	if upstream == "" {
		return placeholderHandler(), nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		_, _ = fmt.Fprintf(os.Stderr, "upstream %s: %v\n", target.Host, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream unavailable"})
	}
	return proxy, nil
}

// placeholderHandler answers every request with a small JSON document. Useful
// for smoke tests before an upstream is wired.
func placeholderHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": "prefork",
			"path":    r.URL.Path,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})
}
