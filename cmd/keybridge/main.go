// Package main provides the CLI entry point for the keybridge relay proxy.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/keybridge/internal/certutil"
	"github.com/postalsys/keybridge/internal/config"
	"github.com/postalsys/keybridge/internal/logging"
	"github.com/postalsys/keybridge/internal/metrics"
	"github.com/postalsys/keybridge/internal/proxy"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "keybridge",
		Short: "keybridge - secure relay proxy for confidential workloads",
		Long: `keybridge bridges a confidential-computing workload that cannot speak
TLS to a remote key server. Inbound connections carry a length-framed
protocol protected by a mutually authenticated ECDHE session key;
outbound traffic is a verifying TLS 1.2+ client. Payloads are relayed
verbatim in both directions for the life of each session.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay proxy",
		Long:  "Start the relay proxy with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				fileCfg, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				mergeFlags(cmd, fileCfg, cfg)
				cfg = fileCfg
			}
			cfg.ApplyDefaults()

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			srv, err := proxy.New(cfg, logger, metrics.Default())
			if err != nil {
				return fmt.Errorf("startup failed: %w", err)
			}
			defer srv.Close()

			if cfg.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(cfg.MetricsAddr, logger); err != nil {
						logger.Error("metrics listener failed",
							logging.KeyError, err.Error())
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&cfg.ListenPort, "local-port", 0, "TCP port to listen on for inbound connections")
	flags.StringVar(&cfg.PrivateKeyPath, "private", "", "PEM path: proxy's long-term signing private key")
	flags.StringVar(&cfg.PeerPublicPath, "public", "", "PEM path: peer's long-term public verification key or cert")
	flags.StringVar(&cfg.RemoteHost, "remote-ip", "", "remote TLS host")
	flags.IntVar(&cfg.RemotePort, "remote-port", 0, "remote TLS port")
	flags.StringVar(&cfg.CAPath, "ca-path", "", "trust anchors file (default: system roots)")
	flags.StringVar(&cfg.ClientKeyPath, "client-key", "", "client TLS private key for mutual TLS")
	flags.StringVar(&cfg.ClientCertPath, "client-cert", "", "client TLS certificate for mutual TLS")
	flags.IntVar(&cfg.MaxConns, "maxconn", 0, "exit after this many sessions (0 = unlimited)")
	flags.Float64Var(&cfg.AcceptRate, "accept-rate", 0, "max inbound accepts per second (0 = unlimited)")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address for the Prometheus /metrics listener")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", "text", "log format (text, json)")
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file (flags take precedence)")

	return cmd
}

// mergeFlags overlays explicitly set flags onto a file-loaded config.
func mergeFlags(cmd *cobra.Command, dst, flagCfg *config.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if set("local-port") {
		dst.ListenPort = flagCfg.ListenPort
	}
	if set("private") {
		dst.PrivateKeyPath = flagCfg.PrivateKeyPath
	}
	if set("public") {
		dst.PeerPublicPath = flagCfg.PeerPublicPath
	}
	if set("remote-ip") {
		dst.RemoteHost = flagCfg.RemoteHost
	}
	if set("remote-port") {
		dst.RemotePort = flagCfg.RemotePort
	}
	if set("ca-path") {
		dst.CAPath = flagCfg.CAPath
	}
	if set("client-key") {
		dst.ClientKeyPath = flagCfg.ClientKeyPath
	}
	if set("client-cert") {
		dst.ClientCertPath = flagCfg.ClientCertPath
	}
	if set("maxconn") {
		dst.MaxConns = flagCfg.MaxConns
	}
	if set("accept-rate") {
		dst.AcceptRate = flagCfg.AcceptRate
	}
	if set("metrics-addr") {
		dst.MetricsAddr = flagCfg.MetricsAddr
	}
	if set("log-level") {
		dst.LogLevel = flagCfg.LogLevel
	}
	if set("log-format") {
		dst.LogFormat = flagCfg.LogFormat
	}
}

func keygenCmd() *cobra.Command {
	var privPath, pubPath string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a long-term Ed25519 signing keypair",
		Long: `Generate the Ed25519 keypair used to authenticate the ECDHE handshake.

Run once for the proxy and once for the peer, then provision each side
with its own private key and the other side's public key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			privDER, err := x509.MarshalPKCS8PrivateKey(priv)
			if err != nil {
				return fmt.Errorf("marshal private key: %w", err)
			}
			pubDER, err := x509.MarshalPKIXPublicKey(pub)
			if err != nil {
				return fmt.Errorf("marshal public key: %w", err)
			}

			privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
			pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

			if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}

			fmt.Printf("Private key: %s\n", privPath)
			fmt.Printf("Public key:  %s\n", pubPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&privPath, "out-private", "signing-key.pem", "output path for the private key")
	cmd.Flags().StringVar(&pubPath, "out-public", "signing-pub.pem", "output path for the public key")

	return cmd
}

func certCmd() *cobra.Command {
	var dir, commonName string
	var days int
	var withClient bool

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a lab CA and TLS certificates",
		Long: `Generate a certificate authority plus a server certificate for a lab
key server, and optionally a client certificate for mutual TLS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			validFor := time.Duration(days) * 24 * time.Hour

			ca, err := certutil.GenerateCA(commonName+" CA", validFor)
			if err != nil {
				return fmt.Errorf("generate CA: %w", err)
			}
			if err := ca.SaveToFiles(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem")); err != nil {
				return err
			}

			server, err := certutil.GenerateServerCert(commonName, validFor, ca)
			if err != nil {
				return fmt.Errorf("generate server certificate: %w", err)
			}
			if err := server.SaveToFiles(filepath.Join(dir, "server.pem"), filepath.Join(dir, "server-key.pem")); err != nil {
				return err
			}

			if withClient {
				client, err := certutil.GenerateClientCert(commonName+" client", validFor, ca)
				if err != nil {
					return fmt.Errorf("generate client certificate: %w", err)
				}
				if err := client.SaveToFiles(filepath.Join(dir, "client.pem"), filepath.Join(dir, "client-key.pem")); err != nil {
					return err
				}
			}

			fmt.Printf("Certificates written to %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "./certs", "output directory")
	cmd.Flags().StringVar(&commonName, "cn", "keybridge", "certificate common name")
	cmd.Flags().IntVar(&days, "days", 365, "validity in days")
	cmd.Flags().BoolVar(&withClient, "client", false, "also generate a client certificate")

	return cmd
}
