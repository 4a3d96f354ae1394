package repo

import (
	"context"
	"sync"
	"time"

	"github.com/fleetboot/discovery/internal/model"
	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger for tests and local development.
// All state is lost on restart.
type MemoryLedger struct {
	mu         sync.Mutex
	bySerial   map[string]*model.Device
	byHostname map[string]string
	counters   map[string]int64
	now        func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bySerial:   make(map[string]*model.Device),
		byHostname: make(map[string]string),
		counters:   make(map[string]int64),
		now:        time.Now,
	}
}

// NextHostname increments the counter for prefix and returns the new hostname
func (m *MemoryLedger) NextHostname(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[prefix]++
	return FormatHostname(prefix, m.counters[prefix]), nil
}

// RegisterIfAbsent inserts reg unless its serial is already known
func (m *MemoryLedger) RegisterIfAbsent(_ context.Context, reg model.DeviceRegistration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.bySerial[reg.Serial]; ok {
		m.touch(d, reg.IPAddress)
		return false, nil
	}
	if _, taken := m.byHostname[reg.Hostname]; taken {
		return false, ErrHostnameTaken
	}
	m.insert(reg)
	return true, nil
}

// Register returns the existing record for reg.Serial or allocates a hostname and inserts one
func (m *MemoryLedger) Register(_ context.Context, prefix string, reg model.DeviceRegistration) (model.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.bySerial[reg.Serial]; ok {
		m.touch(d, reg.IPAddress)
		return copyDevice(d), false, nil
	}

	m.counters[prefix]++
	reg.Hostname = FormatHostname(prefix, m.counters[prefix])
	return copyDevice(m.insert(reg)), true, nil
}

// GetBySerial retrieves a device by serial
func (m *MemoryLedger) GetBySerial(_ context.Context, serial string) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.bySerial[serial]
	if !ok {
		return model.Device{}, ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

// GetByHostname retrieves a device by hostname
func (m *MemoryLedger) GetByHostname(_ context.Context, hostname string) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	serial, ok := m.byHostname[hostname]
	if !ok {
		return model.Device{}, ErrDeviceNotFound
	}
	return copyDevice(m.bySerial[serial]), nil
}

// Confirm records the bootstrap outcome for serial
func (m *MemoryLedger) Confirm(_ context.Context, serial string, status model.DeviceStatus, errorMessage *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.bySerial[serial]
	if !ok {
		return false, nil
	}
	now := m.now()
	d.ConfirmedAt = &now
	d.Status = status
	d.ErrorMessage = cloneString(errorMessage)
	return true, nil
}

// Statistics aggregates all records
func (m *MemoryLedger) Statistics(_ context.Context) (model.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats model.Statistics
	for _, d := range m.bySerial {
		stats.Total++
		if d.ConfirmedAt != nil {
			stats.Confirmed++
		}
		switch d.Status {
		case model.StatusSuccess:
			stats.Successful++
		case model.StatusFailure:
			stats.Failed++
		case model.StatusPending:
			stats.Pending++
		}
		if stats.LastRegisteredAt == nil || d.RegisteredAt.After(*stats.LastRegisteredAt) {
			t := d.RegisteredAt
			stats.LastRegisteredAt = &t
		}
	}
	return stats, nil
}

// insert must be called with mu held
func (m *MemoryLedger) insert(reg model.DeviceRegistration) *model.Device {
	d := &model.Device{
		ID:           uuid.New(),
		Serial:       reg.Serial,
		MAC:          reg.MAC,
		Hostname:     reg.Hostname,
		IPAddress:    nullString(reg.IPAddress),
		RegisteredAt: m.now(),
		Status:       model.StatusPending,
		RequestCount: 1,
	}
	m.bySerial[reg.Serial] = d
	m.byHostname[reg.Hostname] = reg.Serial
	return d
}

func (m *MemoryLedger) touch(d *model.Device, ip string) {
	d.RequestCount++
	if ip != "" {
		d.IPAddress = &ip
	}
}

func copyDevice(d *model.Device) model.Device {
	c := *d
	c.IPAddress = cloneString(d.IPAddress)
	c.ErrorMessage = cloneString(d.ErrorMessage)
	if d.ConfirmedAt != nil {
		t := *d.ConfirmedAt
		c.ConfirmedAt = &t
	}
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// MemoryRequestLog is an in-process RequestLog
type MemoryRequestLog struct {
	mu      sync.Mutex
	entries []model.RequestLogEntry
	now     func() time.Time
}

// NewMemoryRequestLog creates an empty in-memory request log
func NewMemoryRequestLog() *MemoryRequestLog {
	return &MemoryRequestLog{now: time.Now}
}

// Append stores entry, stamping CreatedAt when unset
func (l *MemoryRequestLog) Append(_ context.Context, entry model.RequestLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.ID = int64(len(l.entries) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	l.entries = append(l.entries, entry)
	return nil
}

// CountByIP counts register attempts from ip since the given time
func (l *MemoryRequestLog) CountByIP(_ context.Context, ip string, since time.Time) (int, error) {
	return l.count(since, func(e model.RequestLogEntry) bool {
		return e.IPAddress == ip
	}), nil
}

// CountBySerial counts register attempts for serial since the given time
func (l *MemoryRequestLog) CountBySerial(_ context.Context, serial string, since time.Time) (int, error) {
	return l.count(since, func(e model.RequestLogEntry) bool {
		return e.Serial != nil && *e.Serial == serial
	}), nil
}

// Entries returns a snapshot of all entries in insertion order
func (l *MemoryRequestLog) Entries() []model.RequestLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.RequestLogEntry(nil), l.entries...)
}

func (l *MemoryRequestLog) count(since time.Time, match func(model.RequestLogEntry) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if e.Endpoint == model.EndpointRegister && !e.CreatedAt.Before(since) && match(e) {
			n++
		}
	}
	return n
}
