package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

const (
	DefaultStateDir   = "/var/lib/nixos-bootstrap"
	DefaultConfigFile = DefaultStateDir + "/discovery_config.json"

	ShellBlockStart = "---BOOTSTRAP_CONFIG_START---"
	ShellBlockEnd   = "---BOOTSTRAP_CONFIG_END---"
)

var nixTemplate = template.Must(template.New("nixos").Funcs(template.FuncMap{
	"nix": nixString,
}).Parse(`# Auto-generated NixOS configuration from discovery service
# Generated at: {{ .GeneratedAt.Format "2006-01-02 15:04:05" }}

{
  # Hostname assigned by discovery service
  networking.hostName = {{ nix .Hostname }};

  # SSH keys from discovery service
  users.users.root.openssh.authorizedKeys.keys = [
{{- range .SSHKeys }}
    {{ nix . }}
{{- end }}
  ];

  # Netbird VPN configuration
  services.netbird.enable = true;
  services.netbird.package = pkgs.netbird;

  # Environment variables for bootstrap scripts
  environment.variables = {
    NETBIRD_SETUP_KEY = {{ nix .SetupKey }};
    DISCOVERY_HOSTNAME = {{ nix .Hostname }};
  };
}
`))

// nixString renders s as a double-quoted Nix string literal
func nixString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `${`, `\${`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// WriteJSON saves the provisioned configuration, creating parent directories.
// The file holds the setup key, so it is only readable by the owner.
func WriteJSON(path string, p *Provisioned) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

// ReadJSON loads a configuration written by WriteJSON
func ReadJSON(path string) (*Provisioned, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Provisioned
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &p, nil
}

// RenderNixOS writes a NixOS module for p to w
func RenderNixOS(w io.Writer, p *Provisioned, generatedAt time.Time) error {
	return nixTemplate.Execute(w, struct {
		*Provisioned
		GeneratedAt time.Time
	}{p, generatedAt})
}

// WriteNixOS renders the NixOS module to path
func WriteNixOS(path string, p *Provisioned, generatedAt time.Time) error {
	var sb strings.Builder
	if err := RenderNixOS(&sb, p, generatedAt); err != nil {
		return fmt.Errorf("render nixos config: %w", err)
	}
	return writeFile(path, []byte(sb.String()))
}

// WriteShellBlock prints the delimited KEY=value block that bootstrap scripts parse.
// nixosFile is omitted when empty.
func WriteShellBlock(w io.Writer, p *Provisioned, configFile, nixosFile string) error {
	lines := []string{
		ShellBlockStart,
		"HOSTNAME=" + p.Hostname,
		"NETBIRD_SETUP_KEY=" + p.SetupKey,
		fmt.Sprintf("SSH_KEYS_COUNT=%d", len(p.SSHKeys)),
		"CONFIG_FILE=" + configFile,
	}
	if nixosFile != "" {
		lines = append(lines, "NIXOS_CONFIG_FILE="+nixosFile)
	}
	lines = append(lines, ShellBlockEnd)
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
