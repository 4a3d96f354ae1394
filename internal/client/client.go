// Package client is the device side of provisioning: it identifies the
// device, registers with the discovery server, opens the sealed bundle and
// reports the bootstrap outcome.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/bundle"
	"github.com/fleetboot/discovery/internal/model"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
	DefaultTimeout   = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// StatusError is a non-2xx response from the server
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// Config configures a Client
type Config struct {
	ServerURL string
	PSK       []byte
	// ReplayProtection must match the server: when set every request carries a signed timestamp
	ReplayProtection bool
	Attempts         int
	BaseDelay        time.Duration
	Timeout          time.Duration
}

// Provisioned is the configuration a device ends up with after a successful registration
type Provisioned struct {
	Hostname        string   `json:"hostname"`
	SetupKey        string   `json:"netbird_setup_key"`
	SSHKeys         []string `json:"ssh_keys"`
	ConfigTimestamp int64    `json:"config_timestamp"`
}

// Client talks to the discovery server
type Client struct {
	baseURL   string
	http      *http.Client
	signer    *auth.Signer
	sealer    *bundle.Sealer
	attempts  int
	baseDelay time.Duration
	log       *slog.Logger
}

// New creates a client. Zero-valued retry and timeout settings take their defaults.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if len(cfg.PSK) == 0 {
		return nil, errors.New("psk is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var opts []auth.SignerOption
	if cfg.ReplayProtection {
		opts = append(opts, auth.WithReplayProtection(0))
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.ServerURL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		signer:    auth.NewSigner(cfg.PSK, opts...),
		sealer:    bundle.NewSealer(cfg.PSK),
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		log:       log,
	}, nil
}

type registerRequest struct {
	Serial    string `json:"serial"`
	MAC       string `json:"mac"`
	Signature string `json:"signature"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type registerResponse struct {
	Hostname        string `json:"hostname"`
	EncryptedConfig string `json:"encrypted_config"`
	Success         bool   `json:"success"`
	Message         string `json:"message"`
}

type confirmRequest struct {
	Serial       string  `json:"serial"`
	Hostname     string  `json:"hostname"`
	Signature    string  `json:"signature"`
	Timestamp    *int64  `json:"timestamp,omitempty"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Register signs the identity, posts it and opens the returned bundle
func (c *Client) Register(ctx context.Context, id Identity) (*Provisioned, error) {
	sig, ts := c.signer.SignRequest(auth.RegistrationData(id.Serial, id.MAC))
	req := registerRequest{Serial: id.Serial, MAC: id.MAC, Signature: sig, Timestamp: ts}

	var resp registerResponse
	if err := c.post(ctx, "/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if resp.Hostname == "" || resp.EncryptedConfig == "" {
		return nil, errors.New("register: incomplete response from server")
	}

	b, err := c.sealer.OpenFor(id.Serial, resp.EncryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("open configuration bundle: %w", err)
	}

	c.log.Info("Registered with discovery server", "hostname", resp.Hostname, "ssh_keys", len(b.SSHKeys))
	return &Provisioned{
		Hostname:        resp.Hostname,
		SetupKey:        b.SetupKey,
		SSHKeys:         b.SSHKeys,
		ConfigTimestamp: b.IssuedAt,
	}, nil
}

// Confirm reports the bootstrap outcome for hostname
func (c *Client) Confirm(ctx context.Context, serial, hostname string, status model.DeviceStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("confirm: status must be success or failure, got %q", status)
	}
	sig, ts := c.signer.SignRequest(auth.ConfirmationData(serial, hostname))
	req := confirmRequest{
		Serial:    serial,
		Hostname:  hostname,
		Signature: sig,
		Timestamp: ts,
		Status:    string(status),
	}
	if errorMessage != "" {
		req.ErrorMessage = &errorMessage
	}
	if err := c.post(ctx, "/confirm", req, nil); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	return nil
}

// ReportBootstrap is Confirm for callers that must not fail on a reporting error.
// It reports whether the server acknowledged.
func (c *Client) ReportBootstrap(ctx context.Context, serial, hostname string, bootErr error) bool {
	status, msg := model.StatusSuccess, ""
	if bootErr != nil {
		status, msg = model.StatusFailure, bootErr.Error()
	}
	if err := c.Confirm(ctx, serial, hostname, status, msg); err != nil {
		c.log.Warn("Failed to report bootstrap status", "hostname", hostname, "status", status, "err", err)
		return false
	}
	return true
}

// post sends body as JSON, retrying transport errors, 5xx and 429 with exponential backoff
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempt := 0
	b := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewExponential(c.baseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := c.do(ctx, path, payload, out)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return err
		}
		c.log.Warn("Request failed, retrying", "path", path, "attempt", attempt, "max_attempts", c.attempts, "err", err)
		return retry.RetryableError(err)
	})
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
