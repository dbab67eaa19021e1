package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-inbox/internal/auth"
	"github.com/vovakirdan/wirechat-inbox/internal/config"
	"github.com/vovakirdan/wirechat-inbox/internal/core"
	"github.com/vovakirdan/wirechat-inbox/internal/service/messaging"
	"github.com/vovakirdan/wirechat-inbox/internal/store/sqlite"
)

type testEnv struct {
	server *httptest.Server
	auth   *auth.Service
	svc    *messaging.Service
}

// startTestServer wires an in-memory store, a running hub, and the router.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := core.NewHub(&logger)
	go hub.Run(ctx)

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})
	svc := messaging.New(st, hub, messaging.Config{
		ThreadPageSize:   cfg.ThreadPageSize,
		MessagePageLimit: cfg.MessagePageLimit,
		TypingTTL:        cfg.TypingTTL,
	}, &logger)

	ts := httptest.NewServer(NewRouter(Deps{Hub: hub, Messaging: svc, Auth: authService, Users: st}, &cfg, &logger))
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, auth: authService, svc: svc}
}

func (e *testEnv) register(t *testing.T, username string) (string, int64) {
	t.Helper()

	token, err := e.auth.Register(context.Background(), username, "password123", "")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	claims, err := e.auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	return token, claims.UserID
}

// doJSON performs a request and decodes the response into out when it is non-nil.
func (e *testEnv) doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := stdhttp.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}
