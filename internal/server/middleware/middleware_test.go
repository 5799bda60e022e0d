package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tea"))
	})
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok())

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public path", "/api/health", nil, http.StatusTeapot},
		{"missing", "/api/orders", nil, http.StatusUnauthorized},
		{"bearer", "/api/orders", map[string]string{"Authorization": "Bearer secret"}, http.StatusTeapot},
		{"api key header", "/api/orders", map[string]string{"X-API-Key": "secret"}, http.StatusTeapot},
		{"query", "/ws?api_key=secret", nil, http.StatusTeapot},
		{"wrong", "/api/orders", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestLoggingRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	rec := httptest.NewRecorder()
	Logging(logger)(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders/execute", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Contains(t, buf.String(), `"status":418`)
	require.Contains(t, buf.String(), `"bytes":3`)
	require.Contains(t, buf.String(), `"path":"/api/orders/execute"`)
}

type fixedLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fixedLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func (f *fixedLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	denied := &fixedLimiter{allow: false}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	RateLimit(denied, 10, time.Minute, logger)(ok()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, []string{"ratelimit:api:10.0.0.1"}, denied.keys)

	broken := &fixedLimiter{err: context.DeadlineExceeded}
	rec = httptest.NewRecorder()
	RateLimit(broken, 10, time.Minute, logger)(ok()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
