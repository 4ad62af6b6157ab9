package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/hub"
	"github.com/DoyleJ11/race-sync-backend/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
)

const (
	hubTimeout = 2 * time.Second
	qrSize     = 320
)

type Stats struct {
	Online      int `json:"online"`
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
	Queued      int `json:"queued"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func GetStats(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hubTimeout)
		defer cancel()
		v, err := h.State(ctx)
		if err != nil {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, Stats{
			Online:      v.Online,
			Connections: v.Connections,
			Sessions:    len(v.Sessions),
			Queued:      len(v.Queue),
		})
	}
}

func GetSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hubTimeout)
		defer cancel()
		s, found, err := h.Lookup(ctx, chi.URLParam(r, "code"))
		if err != nil {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// SessionQR renders a PNG QR code of the join link for a live session.
// publicURL wins over the request's own host when set.
func SessionQR(h *hub.Hub, publicURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, ok := store.NormalizeCode(chi.URLParam(r, "code"))
		if !ok {
			http.Error(w, "invalid session code", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), hubTimeout)
		defer cancel()
		_, found, err := h.Lookup(ctx, code)
		if err != nil {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		png, err := qrcode.Encode(JoinURL(r, publicURL, code), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
	}
}

func JoinURL(r *http.Request, publicURL, code string) string {
	base := strings.TrimSuffix(publicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/?join=" + url.QueryEscape(code)
}
