// Package status serves the agent's local status and control endpoints.
package status

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/livelink/engine"
	"github.com/gaspardpetit/livelink/internal/httpserve"
)

// Controller is the part of the engine the endpoints drive.
type Controller interface {
	Snapshot() engine.Snapshot
	SendHeartbeatNow(ctx context.Context) error
	Stop()
}

// VersionInfo is the build metadata served by /version.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// NewRouter returns the status router. Control endpoints accept POST from
// loopback clients only and, when token is non-empty, require it in the
// X-Auth-Token header.
func NewRouter(ctrl Controller, version VersionInfo, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version)
	})
	r.Route("/control", func(r chi.Router) {
		r.Use(localOnly(token))
		r.Post("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()
			err := ctrl.SendHeartbeatNow(ctx)
			switch {
			case err == nil:
				w.WriteHeader(http.StatusOK)
			case errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrNotStreaming):
				writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			default:
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			}
		})
		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			ctrl.Stop()
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

// Start serves the router on addr until ctx is done. The control token is
// loaded from, or created at, tokenPath; an empty tokenPath disables it.
func Start(ctx context.Context, addr string, ctrl Controller, version VersionInfo, tokenPath string) (string, error) {
	token := ""
	if strings.TrimSpace(tokenPath) != "" {
		t, err := loadOrCreateToken(tokenPath)
		if err != nil {
			return "", err
		}
		token = t
	}
	return httpserve.ServeUntilContext(ctx, addr, NewRouter(ctrl, version, token))
}

func localOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, _ := net.SplitHostPort(r.RemoteAddr)
			if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			if token != "" && r.Header.Get("X-Auth-Token") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func loadOrCreateToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		tok := strings.TrimSpace(string(b))
		if tok != "" {
			return tok, nil
		}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return "", err
	}
	return tok, nil
}
