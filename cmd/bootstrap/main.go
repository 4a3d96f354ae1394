package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/fleetboot/discovery/internal/client"
	"github.com/fleetboot/discovery/internal/common"
	"github.com/fleetboot/discovery/internal/model"
	"github.com/urfave/cli/v2"
)

var connectionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "server",
		Usage:   "discovery service URL, e.g. http://10.42.0.1:8080 (or first argument)",
		EnvVars: []string{"DISCOVERY_SERVER"},
	},
	&cli.StringFlag{
		Name:    "psk",
		Usage:   "deployment pre-shared key (or second argument)",
		EnvVars: []string{"DISCOVERY_PSK"},
	},
	&cli.BoolFlag{
		Name:  "no-replay-protection",
		Usage: "sign without timestamps, for servers with security.replay_protection: false",
	},
	&cli.IntFlag{
		Name:  "retries",
		Value: client.DefaultAttempts,
		Usage: "number of attempts per request",
	},
	&cli.IntFlag{
		Name:  "timeout",
		Value: int(client.DefaultTimeout / time.Second),
		Usage: "request timeout in seconds",
	},
	&cli.StringFlag{
		Name:  "serial",
		Usage: "override the probed device serial",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Usage: "log in JSON format",
	},
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "bootstrap",
		Usage: "Register this device with the discovery service and report the bootstrap outcome",
		UsageText: "bootstrap [options] SERVER_URL PSK\n" +
			"   bootstrap --nixos-config /etc/nixos/discovery.nix http://10.42.0.1:8080 psk123\n" +
			"   bootstrap confirm --status failure --error 'netbird up failed' http://10.42.0.1:8080 psk123",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   client.DefaultConfigFile,
				Usage:   "output file for the JSON configuration",
			},
			&cli.StringFlag{
				Name:  "nixos-config",
				Usage: "also write a NixOS module to this file",
			},
		}, connectionFlags...),
		Action: register,
		Commands: []*cli.Command{
			{
				Name:  "confirm",
				Usage: "Report bootstrap success or failure for this device",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Value: string(model.StatusSuccess),
						Usage: "success or failure",
					},
					&cli.StringFlag{
						Name:  "error",
						Usage: "failure detail sent with --status failure",
					},
					&cli.StringFlag{
						Name:  "hostname",
						Usage: "assigned hostname (default: read from --config-file)",
					},
					&cli.StringFlag{
						Name:  "config-file",
						Value: client.DefaultConfigFile,
						Usage: "JSON configuration written by a previous registration",
					},
				}, connectionFlags...),
				Action: confirm,
			},
		},
	}
}

func setup(cCtx *cli.Context) (*client.Client, *slog.Logger, error) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("verbose"),
		JSON:    cCtx.Bool("log-json"),
		Service: "bootstrap",
		Version: common.Version,
	})

	server, psk := cCtx.String("server"), cCtx.String("psk")
	if server == "" {
		server = cCtx.Args().Get(0)
	}
	if psk == "" {
		psk = cCtx.Args().Get(1)
	}
	if server == "" || psk == "" {
		return nil, nil, errors.New("server URL and PSK are required")
	}

	c, err := client.New(client.Config{
		ServerURL:        server,
		PSK:              []byte(psk),
		ReplayProtection: !cCtx.Bool("no-replay-protection"),
		Attempts:         cCtx.Int("retries"),
		Timeout:          time.Duration(cCtx.Int("timeout")) * time.Second,
	}, logger)
	return c, logger, err
}

func identity(cCtx *cli.Context, logger *slog.Logger) (client.Identity, error) {
	prober := client.NewProber(logger)
	if serial := cCtx.String("serial"); serial != "" {
		mac, err := prober.MAC()
		return client.Identity{Serial: serial, MAC: mac}, err
	}
	return prober.Identity()
}

func register(cCtx *cli.Context) error {
	c, logger, err := setup(cCtx)
	if err != nil {
		return err
	}

	logger.Info("Gathering device information")
	id, err := identity(cCtx, logger)
	if err != nil {
		return err
	}
	logger.Info("Device identified", "serial", id.Serial, "mac", id.MAC)

	p, err := c.Register(cCtx.Context, id)
	if err != nil {
		return err
	}

	configFile := cCtx.String("output")
	if err := client.WriteJSON(configFile, p); err != nil {
		return err
	}
	logger.Info("JSON configuration saved", "path", configFile)

	nixosFile := cCtx.String("nixos-config")
	if nixosFile != "" {
		if err := client.WriteNixOS(nixosFile, p, time.Now()); err != nil {
			return err
		}
		logger.Info("NixOS configuration written", "path", nixosFile)
	}

	return client.WriteShellBlock(os.Stdout, p, configFile, nixosFile)
}

func confirm(cCtx *cli.Context) error {
	c, logger, err := setup(cCtx)
	if err != nil {
		return err
	}

	status := model.DeviceStatus(cCtx.String("status"))
	if !status.Terminal() {
		return fmt.Errorf("--status must be success or failure, got %q", status)
	}

	hostname := cCtx.String("hostname")
	if hostname == "" {
		p, err := client.ReadJSON(cCtx.String("config-file"))
		if err != nil {
			return fmt.Errorf("hostname not given and no saved configuration: %w", err)
		}
		hostname = p.Hostname
	}

	serial := cCtx.String("serial")
	if serial == "" {
		serial, err = client.NewProber(logger).Serial()
		if err != nil {
			return err
		}
	}

	var bootErr error
	if status == model.StatusFailure {
		msg := cCtx.String("error")
		if msg == "" {
			msg = "bootstrap failed"
		}
		bootErr = errors.New(msg)
	}

	// The device is already bootstrapped; a lost report must not fail the boot.
	if c.ReportBootstrap(cCtx.Context, serial, hostname, bootErr) {
		logger.Info("Bootstrap status reported", "hostname", hostname, "status", status)
	}
	return nil
}
