package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestTokenAuth(t *testing.T) {
	r := SetupRouter(&config.ServerConfig{Mode: "test", Token: "s3cret-token"}, quietLogger(), Deps{
		Status: fixedStatus{},
	})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/api/status", "", http.StatusUnauthorized},
		{"bearer", "/api/status", "Bearer s3cret-token", http.StatusOK},
		{"wrong", "/api/status", "Bearer nope", http.StatusUnauthorized},
		{"malformed", "/api/status", "Basic abc", http.StatusUnauthorized},
		{"query", "/api/status?token=s3cret-token", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestTokenAuth_Disabled(t *testing.T) {
	r := SetupRouter(&config.ServerConfig{Mode: "test"}, quietLogger(), Deps{Status: fixedStatus{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
