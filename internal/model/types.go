package model

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the bootstrap lifecycle state of a registered device
type DeviceStatus string

const (
	StatusPending DeviceStatus = "pending"
	StatusSuccess DeviceStatus = "success"
	StatusFailure DeviceStatus = "failure"
)

// Valid reports whether s is one of the known lifecycle states
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Terminal reports whether s is a confirmation outcome (success or failure)
func (s DeviceStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Device is one physical device in the ledger, keyed by its serial
type Device struct {
	ID           uuid.UUID
	Serial       string
	MAC          string
	Hostname     string
	IPAddress    *string
	RegisteredAt time.Time
	ConfirmedAt  *time.Time
	Status       DeviceStatus
	ErrorMessage *string
	RequestCount int
}

// DeviceRegistration carries the fields needed to insert a new device record
type DeviceRegistration struct {
	Serial    string
	MAC       string
	Hostname  string
	IPAddress string
}

// Statistics is a read-only aggregate over the ledger
type Statistics struct {
	Total            int
	Confirmed        int
	Successful       int
	Failed           int
	Pending          int
	LastRegisteredAt *time.Time
}

// Endpoint names recorded in the request log
const (
	EndpointRegister = "register"
	EndpointConfirm  = "confirm"
)

// RequestLogEntry is one append-only record of an inbound provisioning request
type RequestLogEntry struct {
	ID           int64
	IPAddress    string
	Serial       *string
	Endpoint     string
	Success      bool
	ErrorMessage *string
	CreatedAt    time.Time
}
