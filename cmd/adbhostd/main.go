// Command adbhostd runs the wireless-debugging automation node: it owns the
// persistent signing identity, the single ADB session to a paired device,
// and the HTTP control surface described in spec.md §6.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adbhostd/adbhostd/internal/api"
	"github.com/adbhostd/adbhostd/internal/config"
	"github.com/adbhostd/adbhostd/internal/discovery"
	"github.com/adbhostd/adbhostd/internal/identity"
	"github.com/adbhostd/adbhostd/internal/pairing"
	"github.com/adbhostd/adbhostd/internal/sessionmgr"
	"github.com/adbhostd/adbhostd/internal/storage"
)

var (
	flagEnvFile  string
	flagPort     int
	flagHost     string
	flagKeystore string

	flagConnectHost string
	flagConnectPort int

	flagPairHost string
	flagPairPort int
	flagPairCode string
)

var rootCmd = &cobra.Command{
	Use:   "adbhostd",
	Short: "wireless-debugging automation node",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP control surface and (optionally) auto-connect a session",
	RunE:  runServe,
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "provision this node's signing key into a wireless-debugging pairing service",
	RunE:  runPair,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", "", "shell-style env file to load before process environment")
	flags.StringVar(&flagKeystore, "keystore", "", "override ADBHOSTD_KEYSTORE_PATH")

	serveFlags := serveCmd.Flags()
	serveFlags.IntVar(&flagPort, "port", 0, "override ADBHOSTD_PORT")
	serveFlags.StringVar(&flagHost, "host", "", "override ADBHOSTD_HOST")
	serveFlags.StringVar(&flagConnectHost, "connect-host", "", "dial this host for the initial ADB session")
	serveFlags.IntVar(&flagConnectPort, "connect-port", 0, "dial this port for the initial ADB session")

	pairFlags := pairCmd.Flags()
	pairFlags.StringVar(&flagPairHost, "host", "", "pairing service host (discovered via mDNS if empty)")
	pairFlags.IntVar(&flagPairPort, "port", 0, "pairing service port (discovered via mDNS together with the host when --host is empty)")
	pairFlags.StringVar(&flagPairCode, "code", "", "6-digit pairing code shown on the device")
	pairCmd.MarkFlagRequired("code")

	rootCmd.AddCommand(serveCmd, pairCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

// loadConfig merges an optional env file under --env-file with the process
// environment (the env file's keys losing to any identically named variable
// already set in the environment, since os.Environ is appended after the
// file's entries and UnmarshalEnv keeps the last value seen for a key),
// applies --keystore, and validates the result.
func loadConfig() (*config.Config, error) {
	var entries []string
	if flagEnvFile != "" {
		f, err := os.Open(flagEnvFile)
		if err != nil {
			return nil, fmt.Errorf("open env file: %w", err)
		}
		defer f.Close()
		fileEntries, err := config.ReadEnvFile(f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}
	entries = append(entries, os.Environ()...)

	c := &config.Config{}
	if err := c.UnmarshalEnv(entries); err != nil {
		return nil, err
	}
	if flagKeystore != "" {
		c.KeystorePath = flagKeystore
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func bootstrapLogger(c *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if c.LogPretty {
		w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(w).With().Timestamp().Logger().Level(c.LogLevel)
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(c.LogLevel)
	}
	log.Logger = logger
	return logger
}

// openIdentity wires the keystore and wrapping-key provider together the
// way internal/identity expects: a SQLite-backed Store plus a one-shot
// file-backed AES key, sitting next to the keystore database.
func openIdentity(c *config.Config) (*identity.Identity, *storage.DB, error) {
	db, err := storage.Open(c.KeystorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open keystore: %w", err)
	}

	wrapPath := c.KeystorePath + ".wrapkey"
	wrap := identity.NewFileWrappingKeyProvider(wrapPath)

	id, err := identity.LoadOrCreate(db, wrap, "adbhostd")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}
	return id, db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	if flagPort != 0 {
		c.APIPort = flagPort
	}
	if flagHost != "" {
		c.APIHost = flagHost
	}
	logger := bootstrapLogger(c)

	id, db, err := openIdentity(c)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := sessionmgr.New(id)
	mgr.SetShellLockTimeout(c.ShellLockTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagConnectHost != "" && flagConnectPort == 0 {
		return fmt.Errorf("--connect-port is required when --connect-host is set")
	}
	if flagConnectHost != "" {
		connectCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
		err := mgr.Connect(connectCtx, flagConnectHost, flagConnectPort, true)
		cancel()
		if err != nil {
			logger.Error().Err(err).Str("host", flagConnectHost).Int("port", flagConnectPort).Msg("initial session connect failed; continuing without a session")
		} else {
			logger.Info().Str("host", flagConnectHost).Int("port", flagConnectPort).Msg("session connected")
		}
	}

	addr := net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewRouter(mgr, logger),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if mgr.Connected() {
		_ = mgr.Disconnect()
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func runPair(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	logger := bootstrapLogger(c)

	id, db, err := openIdentity(c)
	if err != nil {
		return err
	}
	defer db.Close()

	host, port := flagPairHost, flagPairPort
	if host == "" {
		logger.Info().Msg("no --host given; discovering pairing service via mDNS")
		discoveredHost, discoveredPort, err := discoverPairingEndpoint(c.ConnectTimeout * 4)
		if err != nil {
			return fmt.Errorf("discover pairing endpoint: %w", err)
		}
		host, port = discoveredHost, discoveredPort
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.ConnectTimeout*4)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if _, err := pairing.Pair(ctx, addr, flagPairCode, id); err != nil {
		return fmt.Errorf("pair: %w", err)
	}
	logger.Info().Str("addr", addr).Msg("pairing succeeded")
	return nil
}

// discoverPairingEndpoint browses for the wireless-debugging pairing
// service and returns its endpoint once observed within timeout, ignoring
// any connect-service endpoints seen in the meantime.
func discoverPairingEndpoint(timeout time.Duration) (string, int, error) {
	w := discovery.NewWatcher()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	go w.Run(ctx)

	if ep, ok := w.LastEndpoint(discovery.KindPairing); ok {
		return ep.Host, ep.Port, nil
	}

	for {
		select {
		case ep := <-w.Updates():
			if ep.Kind == discovery.KindPairing {
				return ep.Host, ep.Port, nil
			}
			// A _adb-tls-connect._tcp. advertisement can arrive before the
			// pairing one; keep waiting rather than failing on it.
		case <-ctx.Done():
			return "", 0, fmt.Errorf("discovery: no pairing service found within %s", timeout)
		}
	}
}
