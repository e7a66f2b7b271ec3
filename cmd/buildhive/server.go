package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buildhive/buildhive/pkg/config"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and control the Buildhive server",
}

var serverStartCmd = &cobra.Command{
	Use:   "start <config>",
	Short: "Start the server from a YAML configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStart,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running server",
	RunE:  runServerStop,
}

func init() {
	serverStartCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serverStartCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
	serverStartCmd.Flags().String("metrics-addr", "", "Address for the Prometheus metrics endpoint (disabled if empty)")

	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	rootCmd.AddCommand(serverCmd)
}

func runServerStart(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	srv, addr, err := config.BuildServer(cfg)
	if err != nil {
		return err
	}

	if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.WithComponent("metrics").Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	if err := writePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithComponent("server").Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	srv.Stop()
	return nil
}

func runServerStop(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(pidFile())
	if err != nil {
		return fmt.Errorf("no running server found: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid pid file: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop server (pid %d): %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to server (pid %d)\n", pid)
	return nil
}

func pidFile() string {
	return filepath.Join(os.TempDir(), "buildhive.pid")
}

func writePIDFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(pidFile(), []byte(pid), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

func removePIDFile() {
	_ = os.Remove(pidFile())
}
