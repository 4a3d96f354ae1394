// Package guard enforces per-IP and per-device registration ceilings over a
// sliding window backed by the request log.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetboot/discovery/internal/model"
	"github.com/fleetboot/discovery/internal/repo"
)

// ErrRateLimited is returned by Check when a ceiling is reached
var ErrRateLimited = errors.New("rate limit exceeded")

// Defaults
const (
	DefaultWindow       = 60 * time.Minute
	DefaultMaxPerIP     = 10
	DefaultMaxPerDevice = 3
)

// Scope names the ceiling that tripped
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeDevice Scope = "device"
)

// LimitError carries operator-facing detail about a tripped ceiling.
// It matches ErrRateLimited with errors.Is.
type LimitError struct {
	Scope Scope
	Key   string
	Count int
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests from %s %s (limit %d)", e.Count, e.Scope, e.Key, e.Limit)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Config holds the ceilings. Zero disables a ceiling.
type Config struct {
	Window       time.Duration
	MaxPerIP     int
	MaxPerDevice int
}

// Guard checks ceilings against the request log and records outcomes
type Guard struct {
	log    repo.RequestLog
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	locks  keyedMutex
}

// New creates a Guard. A non-positive window falls back to DefaultWindow.
func New(log repo.RequestLog, cfg Config, logger *slog.Logger) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		log:    log,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		locks:  keyedMutex{held: make(map[string]*keyLock)},
	}
}

// Admit is Check with the ip and serial keys held until release is called.
// Callers Record before releasing so that concurrent requests for the same
// key observe each other. release is never nil, even when err is not.
func (g *Guard) Admit(ctx context.Context, ip, serial string) (release func(), err error) {
	// ip before serial everywhere, so two requests never wait on each other
	var unlocks []func()
	if g.cfg.MaxPerIP > 0 && ip != "" {
		unlocks = append(unlocks, g.locks.lock("ip:"+ip))
	}
	if g.cfg.MaxPerDevice > 0 && serial != "" {
		unlocks = append(unlocks, g.locks.lock("serial:"+serial))
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			for i := len(unlocks) - 1; i >= 0; i-- {
				unlocks[i]()
			}
		})
	}
	return release, g.Check(ctx, ip, serial)
}

// Check returns a *LimitError when ip or serial already reached its ceiling within the window.
// It does not record anything.
func (g *Guard) Check(ctx context.Context, ip, serial string) error {
	since := g.now().Add(-g.cfg.Window)

	if g.cfg.MaxPerIP > 0 && ip != "" {
		n, err := g.log.CountByIP(ctx, ip, since)
		if err != nil {
			return fmt.Errorf("count by ip: %w", err)
		}
		if n >= g.cfg.MaxPerIP {
			return &LimitError{Scope: ScopeIP, Key: ip, Count: n, Limit: g.cfg.MaxPerIP}
		}
	}

	if g.cfg.MaxPerDevice > 0 && serial != "" {
		n, err := g.log.CountBySerial(ctx, serial, since)
		if err != nil {
			return fmt.Errorf("count by serial: %w", err)
		}
		if n >= g.cfg.MaxPerDevice {
			return &LimitError{Scope: ScopeDevice, Key: serial, Count: n, Limit: g.cfg.MaxPerDevice}
		}
	}

	return nil
}

// Record appends the outcome of one request. Failures are logged, never returned.
func (g *Guard) Record(ctx context.Context, endpoint, ip, serial string, success bool, errMsg string) {
	entry := model.RequestLogEntry{
		IPAddress: ip,
		Endpoint:  endpoint,
		Success:   success,
		CreatedAt: g.now(),
	}
	if serial != "" {
		entry.Serial = &serial
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}
	if err := g.log.Append(ctx, entry); err != nil {
		g.logger.Error("Failed to record request", "endpoint", endpoint, "serial", serial, "err", err)
	}
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits on it
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
