package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fleetboot/discovery/internal/auth"
	"github.com/fleetboot/discovery/internal/config"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

type discoveryFragment struct {
	IP         string `yaml:"ip"`
	Port       int    `yaml:"port"`
	PSK        string `yaml:"psk"`
	AdminToken string `yaml:"admin_token"`
}

type deploymentFragment struct {
	Name string `yaml:"name"`
}

type fragment struct {
	Deployment       deploymentFragment `yaml:"deployment"`
	DiscoveryService discoveryFragment  `yaml:"discovery_service"`
}

func main() {
	app := &cli.App{
		Name:  "keygen",
		Usage: "Generate a deployment PSK and admin token",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yaml",
				Usage: "print a unified-config YAML fragment instead of plain keys",
			},
			&cli.StringFlag{
				Name:  "deployment",
				Value: "device",
				Usage: "deployment name (hostname prefix) for the YAML fragment",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "write to this file (mode 0600) instead of stdout",
			},
		},
		Action: func(cCtx *cli.Context) error {
			psk, err := auth.GeneratePSK()
			if err != nil {
				return err
			}
			adminToken, err := auth.GenerateAdminToken()
			if err != nil {
				return err
			}

			out := io.Writer(os.Stdout)
			if path := cCtx.String("output"); path != "" {
				f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			if cCtx.Bool("yaml") {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(fragment{
					Deployment: deploymentFragment{Name: cCtx.String("deployment")},
					DiscoveryService: discoveryFragment{
						IP:         config.DefaultIP,
						Port:       config.DefaultPort,
						PSK:        psk,
						AdminToken: adminToken,
					},
				})
			}

			sum := sha256.Sum256([]byte(psk))
			_, err = fmt.Fprintf(out, "PSK: %s\nAdmin Token: %s\nPSK Hash: %s\n", psk, adminToken, hex.EncodeToString(sum[:])[:16])
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
