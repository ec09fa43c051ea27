package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tenantgate/internal/platform/server"
	"tenantgate/internal/testutil"
)

type student struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	KindergartenID int64  `json:"kindergartenId"`
}

// Every tenant sees the same fixture rows; the gateway headers decide which.
var students = []student{
	{1, "Xiao Ming", 1},
	{2, "Xiao Hong", 1},
	{3, "Xiao Gang", 2},
	{4, "Xiao Li", 3},
}

func main() {
	addr := envOr("ADDR", ":3000")
	name := envOr("BACKEND_NAME", "mock-backend")
	baseDelay := envDuration("LATENCY_BASE", 0)
	jitter := envDuration("LATENCY_JITTER", 0)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("mock backend starting", "addr", addr, "name", name,
		"latency_base", baseDelay, "latency_jitter", jitter)

	mux := http.NewServeMux()

	mux.Handle("GET /api/students", viaGateway(http.HandlerFunc(listStudents)))

	// Anything else echoes what the gateway injected.
	echo := testutil.MockBackendHandler(name)
	mux.Handle("/", viaGateway(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		simulateWork(baseDelay, jitter)
		echo.ServeHTTP(w, r)
	})))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": name})
	})

	srv := server.New(addr, mux)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

// viaGateway refuses requests that did not come through the gateway.
func viaGateway(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant-Code") == "" || r.Header.Get("X-Data-Scope") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "missing gateway headers"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// listStudents applies the data scope the gateway forwarded.
func listStudents(w http.ResponseWriter, r *http.Request) {
	var allowed []int64
	for _, s := range strings.Split(r.Header.Get("X-Kindergarten-IDs"), ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}

	visible := []student{}
	switch r.Header.Get("X-Data-Scope") {
	case "ALL":
		visible = append(visible, students...)
	case "SINGLE":
		for _, s := range students {
			if slices.Contains(allowed, s.KindergartenID) {
				visible = append(visible, s)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    visible,
		"tenant":  r.Header.Get("X-Tenant-Code"),
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration reads a duration in milliseconds from an env var (e.g. "50" -> 50ms).
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// simulateWork sleeps for base + random(0, jitter) to mimic real backend processing.
func simulateWork(base, jitter time.Duration) {
	if base == 0 && jitter == 0 {
		return
	}
	delay := base
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(jitter)))
	}
	time.Sleep(delay)
}
