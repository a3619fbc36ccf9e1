package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/api/handlers"
	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct{}

func (fixedStatus) Progress() domain.RunProgress {
	return domain.RunProgress{RunID: "run-1", Status: domain.RunStatusDumping}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestSetupRouter(t *testing.T) {
	logger := quietLogger()
	r := SetupRouter(&config.ServerConfig{Mode: "test"}, logger, Deps{
		Status:  fixedStatus{},
		Hub:     handlers.NewEventHub(logger),
		Metrics: metrics.New(logger, "router_test"),
	})

	for path, code := range map[string]int{
		"/api/health": http.StatusOK,
		"/api/status": http.StatusOK,
		"/api/events": http.StatusOK,
		"/api/runs":   http.StatusServiceUnavailable,
		"/metrics":    http.StatusOK,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, code, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/status", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_ShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := SetupRouter(&config.ServerConfig{Mode: "test"}, quietLogger(), Deps{})
	srv := NewServer(ln.Addr().String(), r, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
