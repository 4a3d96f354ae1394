// Package notify delivers operator notifications about provisioning events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Priorities understood by ntfy
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
	PriorityUrgent  = "urgent"
)

// Message is one notification
type Message struct {
	Title    string
	Body     string
	Priority string
	Tags     []string
}

// Notifier sends a message to an operator channel
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Nop discards every message. Used when notifications are disabled.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }

// Auth types for the ntfy endpoint
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// Config configures ntfy delivery
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	AuthType      string        `yaml:"auth_type"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Token         string        `yaml:"token"`
	Priority      string        `yaml:"priority"`
	Tags          []string      `yaml:"tags"`
	RetryAttempts int           `yaml:"retry_attempts"`
	Timeout       time.Duration `yaml:"-"`
}

// New resolves the notification capability once at startup
func New(cfg Config, log *slog.Logger) Notifier {
	if !cfg.Enabled || cfg.URL == "" {
		return Nop{}
	}
	return NewNTFY(cfg, log)
}

// Registration announces a first-time registration
func Registration(hostname, serial, ip string) Message {
	return Message{
		Title:    "New Device Registered",
		Body:     fmt.Sprintf("Device: %s\nSerial: %s\nIP: %s\nStatus: Bootstrapping...", hostname, serial, ip),
		Priority: PriorityDefault,
		Tags:     []string{"registration", "raspberry-pi"},
	}
}

// Confirmation announces a bootstrap outcome
func Confirmation(hostname, serial string, success bool, errMsg string) Message {
	if success {
		return Message{
			Title:    "Device Bootstrap Complete",
			Body:     fmt.Sprintf("Device: %s\nSerial: %s\nStatus: Bootstrap successful!", hostname, serial),
			Priority: PriorityDefault,
			Tags:     []string{"success", "bootstrap"},
		}
	}
	if errMsg == "" {
		errMsg = "Unknown error"
	}
	return Message{
		Title:    "Device Bootstrap Failed",
		Body:     fmt.Sprintf("Device: %s\nSerial: %s\nStatus: Bootstrap failed\nError: %s", hostname, serial, errMsg),
		Priority: PriorityHigh,
		Tags:     []string{"failure", "bootstrap", "error"},
	}
}

// RateLimit reports a tripped ceiling
func RateLimit(ip, endpoint string, count, limit int) Message {
	return Message{
		Title:    "Rate Limit Exceeded",
		Body:     fmt.Sprintf("IP: %s\nEndpoint: %s\nRequests: %d/%d", ip, endpoint, count, limit),
		Priority: PriorityHigh,
		Tags:     []string{"rate-limit", "security"},
	}
}

// SecurityEvent reports a rejected or suspicious request
func SecurityEvent(event, ip string, details map[string]string) Message {
	body := fmt.Sprintf("Event: %s\nIP: %s", event, ip)
	if len(details) > 0 {
		d, _ := json.MarshalIndent(details, "", "  ")
		body += "\nDetails: " + string(d)
	}
	return Message{
		Title:    "Security Alert",
		Body:     body,
		Priority: PriorityUrgent,
		Tags:     []string{"security", "alert"},
	}
}
