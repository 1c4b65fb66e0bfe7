package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSWithOptions(t *testing.T) {
	tests := []struct {
		options         *CORSOptions
		expectedHeaders map[string]string
		name            string
		method          string
		origin          string
		expectedStatus  int
	}{
		{
			name:    "default options",
			method:  http.MethodGet,
			options: nil,
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":      "*",
				"Access-Control-Allow-Methods":     "GET,POST,DELETE,OPTIONS",
				"Access-Control-Allow-Credentials": "true",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "allowed origin is echoed",
			method: http.MethodGet,
			origin: "http://dashboard.local",
			options: &CORSOptions{
				AllowedOrigins: []string{"http://example.com", "http://dashboard.local"},
				AllowedMethods: []string{"GET", "POST"},
				AllowedHeaders: []string{"Content-Type"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "http://dashboard.local",
				"Access-Control-Allow-Methods": "GET,POST",
				"Access-Control-Allow-Headers": "Content-Type",
				"Vary":                         "Origin",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "unknown origin",
			method: http.MethodGet,
			origin: "http://evil.local",
			options: &CORSOptions{
				AllowedOrigins: []string{"http://example.com"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin": "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "empty options",
			method:  http.MethodGet,
			options: &CORSOptions{},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "",
				"Access-Control-Allow-Methods": "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "preflight request",
			method:  http.MethodOptions,
			options: DefaultCORSOptions(),
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":      "*",
				"Access-Control-Allow-Credentials": "true",
			},
			expectedStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://example.com", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()

			handler := CORSWithOptions(tt.options)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			handler.ServeHTTP(rr, req)

			for header, expectedValue := range tt.expectedHeaders {
				assert.Equal(t, expectedValue, rr.Header().Get(header), header)
			}
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestAllowOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	check := AllowOrigin([]string{"https://app.example.com"})
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, check(req("")))

	wildcard := AllowOrigin([]string{"*"})
	assert.True(t, wildcard(req("https://evil.example.com")))
}
