// Package provision implements the device registration and confirmation protocol.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/bundle"
	"github.com/fleetboot/discovery/internal/common"
	"github.com/fleetboot/discovery/internal/guard"
	"github.com/fleetboot/discovery/internal/model"
	"github.com/fleetboot/discovery/internal/notify"
	"github.com/fleetboot/discovery/internal/repo"
)

var (
	// ErrAuthenticationFailed covers bad signatures and stale timestamps alike
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrRateLimited is returned when a per-IP or per-device ceiling is reached
	ErrRateLimited = guard.ErrRateLimited
	// ErrNotFound is returned when confirming an unknown serial
	ErrNotFound = errors.New("device not found")
	// ErrInvalidRequest is returned for missing or malformed fields
	ErrInvalidRequest = errors.New("invalid request")
)

const maxFieldLength = 256

// Deps is everything the service needs, built once at startup
type Deps struct {
	Ledger        repo.Ledger
	Guard         *guard.Guard // nil disables rate limiting
	Signer        *auth.Signer
	Sealer        *bundle.Sealer
	Notifications *notify.Dispatcher
	Logger        *slog.Logger

	// Prefix is the deployment name; hostnames are Prefix-NN
	Prefix   string
	SetupKey string
	SSHKeys  []string
}

// Service orchestrates registration and confirmation
type Service struct {
	deps    Deps
	log     *slog.Logger
	started time.Time
	now     func() time.Time
}

// NewService creates a provisioning service
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifications == nil {
		deps.Notifications = notify.NewDispatcher(notify.Nop{}, deps.Logger, 0)
	}
	return &Service{
		deps:    deps,
		log:     deps.Logger,
		started: time.Now(),
		now:     time.Now,
	}
}

// RegisterRequest is a signed registration attempt
type RegisterRequest struct {
	Serial    string
	MAC       string
	Signature string
	Timestamp *int64
	IP        string
}

// RegisterResult is returned to the device
type RegisterResult struct {
	Hostname        string
	EncryptedConfig string
	Created         bool
}

// ConfirmRequest is a signed bootstrap outcome report
type ConfirmRequest struct {
	Serial       string
	Hostname     string
	Signature    string
	Timestamp    *int64
	Status       model.DeviceStatus
	ErrorMessage string
	IP           string
}

// Register authenticates the device, assigns or reuses its hostname and returns its sealed bundle.
// Rate limits and signatures are checked before the ledger is touched.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	log := s.log.With("serial", req.Serial, "ip", req.IP)

	if err := validateFields(req.Serial, req.MAC, req.Signature); err != nil {
		s.record(ctx, model.EndpointRegister, req.IP, req.Serial, err)
		return nil, err
	}

	if s.deps.Guard != nil {
		// held until this attempt is recorded
		release, err := s.deps.Guard.Admit(ctx, req.IP, req.Serial)
		defer release()
		if err != nil {
			var limit *guard.LimitError
			if errors.As(err, &limit) {
				log.Warn("Rate limit exceeded", "scope", limit.Scope, "count", limit.Count, "limit", limit.Limit)
				s.record(ctx, model.EndpointRegister, req.IP, req.Serial, ErrRateLimited)
				s.deps.Notifications.Dispatch(notify.RateLimit(req.IP, model.EndpointRegister, limit.Count, limit.Limit))
				return nil, err
			}
			return nil, fmt.Errorf("check rate limit: %w", err)
		}
	}

	if !s.deps.Signer.VerifyRequest(auth.RegistrationData(req.Serial, req.MAC), req.Signature, req.Timestamp) {
		log.Warn("Invalid registration signature")
		s.record(ctx, model.EndpointRegister, req.IP, req.Serial, ErrAuthenticationFailed)
		s.deps.Notifications.Dispatch(notify.SecurityEvent("invalid_signature", req.IP, map[string]string{
			"endpoint": model.EndpointRegister,
			"serial":   req.Serial,
		}))
		return nil, ErrAuthenticationFailed
	}

	device, created, err := s.deps.Ledger.Register(ctx, s.deps.Prefix, model.DeviceRegistration{
		Serial:    req.Serial,
		MAC:       req.MAC,
		IPAddress: req.IP,
	})
	if err != nil {
		s.record(ctx, model.EndpointRegister, req.IP, req.Serial, err)
		return nil, fmt.Errorf("register device: %w", err)
	}

	sealed, err := s.deps.Sealer.SealFor(req.Serial, bundle.Bundle{
		SetupKey: s.deps.SetupKey,
		SSHKeys:  s.deps.SSHKeys,
		IssuedAt: s.now().Unix(),
	})
	if err != nil {
		s.record(ctx, model.EndpointRegister, req.IP, req.Serial, err)
		return nil, fmt.Errorf("seal bundle: %w", err)
	}

	s.record(ctx, model.EndpointRegister, req.IP, req.Serial, nil)
	if created {
		log.Info("Registered new device", "hostname", device.Hostname)
		log.Debug("Device hardware address", "mac", req.MAC)
		s.deps.Notifications.Dispatch(notify.Registration(device.Hostname, req.Serial, req.IP))
	} else {
		log.Info("Device already registered", "hostname", device.Hostname, "requestCount", device.RequestCount)
	}

	return &RegisterResult{
		Hostname:        device.Hostname,
		EncryptedConfig: sealed,
		Created:         created,
	}, nil
}

// Confirm records the outcome the device reports after bootstrapping
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) error {
	log := s.log.With("serial", req.Serial, "hostname", req.Hostname, "ip", req.IP)

	err := validateFields(req.Serial, req.Hostname, req.Signature)
	if err == nil && !req.Status.Terminal() {
		err = fmt.Errorf("%w: status must be success or failure", ErrInvalidRequest)
	}
	if err != nil {
		s.record(ctx, model.EndpointConfirm, req.IP, req.Serial, err)
		return err
	}

	if !s.deps.Signer.VerifyRequest(auth.ConfirmationData(req.Serial, req.Hostname), req.Signature, req.Timestamp) {
		log.Warn("Invalid confirmation signature")
		s.record(ctx, model.EndpointConfirm, req.IP, req.Serial, ErrAuthenticationFailed)
		s.deps.Notifications.Dispatch(notify.SecurityEvent("invalid_signature", req.IP, map[string]string{
			"endpoint": model.EndpointConfirm,
			"serial":   req.Serial,
		}))
		return ErrAuthenticationFailed
	}

	var errMsg *string
	if req.ErrorMessage != "" {
		errMsg = &req.ErrorMessage
	}
	updated, err := s.deps.Ledger.Confirm(ctx, req.Serial, req.Status, errMsg)
	if err != nil {
		s.record(ctx, model.EndpointConfirm, req.IP, req.Serial, err)
		return fmt.Errorf("confirm device: %w", err)
	}
	if !updated {
		s.record(ctx, model.EndpointConfirm, req.IP, req.Serial, ErrNotFound)
		return ErrNotFound
	}

	s.record(ctx, model.EndpointConfirm, req.IP, req.Serial, nil)
	log.Info("Confirmed bootstrap", "status", req.Status)
	s.deps.Notifications.Dispatch(notify.Confirmation(req.Hostname, req.Serial, req.Status == model.StatusSuccess, req.ErrorMessage))
	return nil
}

// Stats is the ledger aggregate plus notification delivery counters
type Stats struct {
	model.Statistics
	NotificationsSent   int64
	NotificationsFailed int64
}

// Statistics returns aggregate counters for the admin API
func (s *Service) Statistics(ctx context.Context) (Stats, error) {
	stats, err := s.deps.Ledger.Statistics(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("statistics: %w", err)
	}
	return Stats{
		Statistics:          stats,
		NotificationsSent:   s.deps.Notifications.Sent(),
		NotificationsFailed: s.deps.Notifications.Failed(),
	}, nil
}

// Health is the liveness report
type Health struct {
	Status             string
	Version            string
	Uptime             time.Duration
	TotalRegistrations int
}

// Health reports uptime and the registration count. A ledger failure yields status "unhealthy" and the error.
func (s *Service) Health(ctx context.Context) (Health, error) {
	h := Health{
		Status:  "healthy",
		Version: common.Version,
		Uptime:  s.now().Sub(s.started),
	}
	stats, err := s.deps.Ledger.Statistics(ctx)
	if err != nil {
		h.Status = "unhealthy"
		return h, fmt.Errorf("statistics: %w", err)
	}
	h.TotalRegistrations = stats.Total
	return h, nil
}

func (s *Service) record(ctx context.Context, endpoint, ip, serial string, err error) {
	if s.deps.Guard == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = publicMessage(err)
	}
	s.deps.Guard.Record(ctx, endpoint, ip, serial, err == nil, msg)
}

// publicMessage reduces err to its category so internals never reach the request log
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return ErrInvalidRequest.Error()
	case errors.Is(err, ErrAuthenticationFailed):
		return ErrAuthenticationFailed.Error()
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	default:
		return "internal error"
	}
}

func validateFields(fields ...string) error {
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("%w: missing required field", ErrInvalidRequest)
		}
		if len(f) > maxFieldLength {
			return fmt.Errorf("%w: field too long", ErrInvalidRequest)
		}
	}
	return nil
}
