package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/bundle"
	"github.com/fleetboot/discovery/internal/client"
	"github.com/fleetboot/discovery/internal/db"
	"github.com/fleetboot/discovery/internal/guard"
	httphandler "github.com/fleetboot/discovery/internal/http"
	"github.com/fleetboot/discovery/internal/http/handlers"
	"github.com/fleetboot/discovery/internal/middleware"
	"github.com/fleetboot/discovery/internal/provision"
	"github.com/fleetboot/discovery/internal/repo"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	testPSK        = "e2e-psk-0123456789abcdef0123456789abcdef"
	testAdminToken = "e2e-admin-token"
	testPrefix     = "sensor"
	testSetupKey   = "NB-SETUP-KEY"
)

var testSSHKeys = []string{"ssh-ed25519 AAAAC3Nza admin@fleet"}

// testServer holds the HTTP server and the stores behind it
type testServer struct {
	Server     *httptest.Server
	Ledger     repo.Ledger
	RequestLog repo.RequestLog
	Ready      *atomic.Bool
}

type serverOptions struct {
	maxPerIP     int
	maxPerDevice int
	adminToken   string
	trustProxy   bool
}

func defaultServerOptions() serverOptions {
	return serverOptions{maxPerIP: 100, maxPerDevice: 3, adminToken: testAdminToken}
}

func newTestServer(t *testing.T, ledger repo.Ledger, requestLog repo.RequestLog, opts serverOptions) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	psk := []byte(testPSK)

	service := provision.NewService(provision.Deps{
		Ledger: ledger,
		Guard: guard.New(requestLog, guard.Config{
			MaxPerIP:     opts.maxPerIP,
			MaxPerDevice: opts.maxPerDevice,
		}, logger),
		Signer:   auth.NewSigner(psk, auth.WithReplayProtection(0)),
		Sealer:   bundle.NewSealer(psk),
		Logger:   logger,
		Prefix:   testPrefix,
		SetupKey: testSetupKey,
		SSHKeys:  testSSHKeys,
	})

	tokens := auth.NewAdminTokens(opts.adminToken)
	limiter := middleware.NewRateLimiter(time.Minute, 1000)
	t.Cleanup(limiter.Close)

	ready := atomic.NewBool(true)
	router := httphandler.NewRouter(httphandler.RouterDeps{
		Provision:         handlers.NewProvisionHandler(service, logger),
		Admin:             handlers.NewAdminHandler(service, tokens, logger),
		Health:            handlers.NewHealthHandler(service, logger),
		AdminTokens:       tokens,
		AdminLimiter:      limiter,
		TrustProxyHeaders: opts.trustProxy,
		Log:               logger,
		Ready:             ready,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, Ledger: ledger, RequestLog: requestLog, Ready: ready}
}

func newMemoryServer(t *testing.T, opts serverOptions) *testServer {
	return newTestServer(t, repo.NewMemoryLedger(), repo.NewMemoryRequestLog(), opts)
}

// openTestDB connects to DATABASE_URL, or skips the test when it is unset
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" || db.IsMemory(databaseURL) {
		t.Skip("DATABASE_URL not set; skipping Postgres test")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := db.Open(ctx, databaseURL, db.DefaultPool, logger)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, PrepareDatabase(ctx, database))
	return database
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) deviceClient(t *testing.T, psk string, attempts int) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		ServerURL:        s.BaseURL(),
		PSK:              []byte(psk),
		ReplayProtection: true,
		Attempts:         attempts,
		BaseDelay:        time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func (s *testServer) postJSON(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return s.postJSONWithHeaders(t, path, body, nil)
}

func (s *testServer) postJSONWithHeaders(t *testing.T, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(http.MethodPost, s.BaseURL()+path, bytes.NewReader(payload))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

// signedRegistration builds a /register body signed with the test PSK
func signedRegistration(serial, mac string) map[string]any {
	sig, ts := auth.NewSigner([]byte(testPSK), auth.WithReplayProtection(0)).
		SignRequest(auth.RegistrationData(serial, mac))
	return map[string]any{"serial": serial, "mac": mac, "signature": sig, "timestamp": ts}
}

func (s *testServer) get(t *testing.T, path, bearer string) (int, map[string]any) {
	t.Helper()
	return s.do(t, http.MethodGet, path, bearer)
}

func (s *testServer) do(t *testing.T, method, path, bearer string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.BaseURL()+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &body), "body: %s", data)
	}
	return body
}
