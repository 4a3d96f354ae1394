package client

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrSerialNotFound = errors.New("could not determine device serial number")
	ErrMACNotFound    = errors.New("could not determine device MAC address")
)

// Identity is what a device presents when registering
type Identity struct {
	Serial string
	MAC    string
}

// Roots locates the pseudo filesystems that identity probing reads.
// Tests point these at a temporary directory.
type Roots struct {
	Sys  string
	Proc string
	Etc  string
	Var  string
}

// DefaultRoots reads the live system
var DefaultRoots = Roots{Sys: "/sys", Proc: "/proc", Etc: "/etc", Var: "/var"}

// primaryInterfaces are tried by name before any other interface
var primaryInterfaces = []string{"eth0", "enp0s3", "ens160", "ens33"}

var placeholderSerials = map[string]bool{
	"":                       true,
	"0000000000000000":       true,
	"Not Specified":          true,
	"To Be Filled By O.E.M.": true,
	"Default string":         true,
}

const zeroMAC = "00:00:00:00:00:00"

// Prober gathers a stable device identity, preferring hardware-rooted sources
// over OS-generated ones so the identity survives re-imaging.
type Prober struct {
	roots      Roots
	interfaces func() ([]net.Interface, error)
	log        *slog.Logger
}

// NewProber creates a prober for the live system
func NewProber(log *slog.Logger) *Prober {
	return newProber(DefaultRoots, net.Interfaces, log)
}

func newProber(roots Roots, interfaces func() ([]net.Interface, error), log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{roots: roots, interfaces: interfaces, log: log}
}

// Identity probes serial and MAC
func (p *Prober) Identity() (Identity, error) {
	serial, err := p.Serial()
	if err != nil {
		return Identity{}, err
	}
	mac, err := p.MAC()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Serial: serial, MAC: mac}, nil
}

// Serial tries the firmware device tree, the CPU serial, DMI and finally machine-id.
func (p *Prober) Serial() (string, error) {
	for _, path := range []string{
		filepath.Join(p.roots.Sys, "firmware/devicetree/base/serial-number"),
		filepath.Join(p.roots.Proc, "device-tree/serial-number"),
	} {
		if s := readTrimmed(path, "\x00\n "); s != "" {
			p.log.Debug("Serial from device tree", "path", path)
			return s, nil
		}
	}

	if s := cpuinfoSerial(filepath.Join(p.roots.Proc, "cpuinfo")); s != "" {
		p.log.Debug("Serial from cpuinfo")
		return s, nil
	}

	for _, path := range []string{
		filepath.Join(p.roots.Sys, "class/dmi/id/product_serial"),
		filepath.Join(p.roots.Sys, "class/dmi/id/board_serial"),
	} {
		if s := readTrimmed(path, " \n\t"); !placeholderSerials[s] {
			p.log.Debug("Serial from DMI", "path", path)
			return s, nil
		}
	}

	for _, path := range []string{
		filepath.Join(p.roots.Etc, "machine-id"),
		filepath.Join(p.roots.Var, "lib/dbus/machine-id"),
	} {
		if s := readTrimmed(path, " \n\t"); s != "" {
			p.log.Warn("Using machine-id as serial fallback; identity will change on re-imaging", "path", path)
			return s, nil
		}
	}

	return "", ErrSerialNotFound
}

func cpuinfoSerial(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		_, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if !placeholderSerials[value] && strings.Trim(value, "0") != "" {
			return value
		}
	}
	return ""
}

// MAC tries well-known interface names, then the first non-loopback interface
// with a hardware address, then a scan of /sys/class/net.
func (p *Prober) MAC() (string, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		p.log.Debug("Listing interfaces failed", "err", err)
	}

	byName := make(map[string]net.Interface, len(ifaces))
	for _, iface := range ifaces {
		byName[iface.Name] = iface
	}
	for _, name := range primaryInterfaces {
		if iface, ok := byName[name]; ok && usableMAC(iface.HardwareAddr) {
			p.log.Debug("MAC from primary interface", "interface", name)
			return iface.HardwareAddr.String(), nil
		}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if usableMAC(iface.HardwareAddr) {
			p.log.Debug("MAC from first non-loopback interface", "interface", iface.Name)
			return iface.HardwareAddr.String(), nil
		}
	}

	netDir := filepath.Join(p.roots.Sys, "class/net")
	entries, err := os.ReadDir(netDir)
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			if !strings.HasPrefix(name, "eth") && !strings.HasPrefix(name, "en") {
				continue
			}
			mac := strings.ToLower(readTrimmed(filepath.Join(netDir, name, "address"), " \n\t"))
			if mac != "" && mac != zeroMAC {
				p.log.Debug("MAC from sysfs", "interface", name)
				return mac, nil
			}
		}
	}

	return "", ErrMACNotFound
}

func usableMAC(addr net.HardwareAddr) bool {
	return len(addr) == 6 && addr.String() != zeroMAC
}

func readTrimmed(path, cutset string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), cutset)
}

// String is used in log lines
func (i Identity) String() string {
	return fmt.Sprintf("serial=%s mac=%s", i.Serial, i.MAC)
}
