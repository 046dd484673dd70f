package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/banshee-data/bloom.scanner/internal/config"
	"github.com/banshee-data/bloom.scanner/internal/console"
	"github.com/banshee-data/bloom.scanner/internal/db"
	"github.com/banshee-data/bloom.scanner/internal/ipc"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
)

type rootOptions struct {
	configPath  string
	envFile     string
	ipc         bool
	debugListen string
	logLevel    string
}

// NewRootCmd builds the bloom command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "bloom",
		Short: "Rotating-stage image scanner",
		Long: `Bloom drives a stepper-motor turntable and a camera to capture a ring of
images around an object.

With --ipc it speaks a line protocol on stdin/stdout for a host application.
Without it, an interactive console accepts the same JSON commands.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanner(cmd, opts)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file applied before the environment")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error, off)")
	cmd.Flags().BoolVar(&opts.ipc, "ipc", false, "serve the line protocol on stdin/stdout")
	cmd.Flags().StringVar(&opts.debugListen, "debug-listen", "", "address for the debug HTTP server, e.g. localhost:8081")

	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		return cfg, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.debugListen != "" {
		cfg.DebugListen = opts.debugListen
	}
	monitoring.Configure(cfg.LogLevel)
	return cfg, nil
}

func profileDBPath(cfg config.Config) string {
	if cfg.ProfileDB == "" {
		return db.MemoryPath
	}
	return cfg.ProfileDB
}

func runScanner(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := monitoring.Component("main")

	store, err := db.NewDB(profileDBPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open profile database: %w", err)
	}
	defer store.Close()

	var out io.Writer = cmd.OutOrStdout()
	var consoleOut *console.Output
	if !opts.ipc {
		consoleOut = &console.Output{}
		out = consoleOut
	}
	session := ipc.NewSession(cfg, ipc.NewWriter(out), ipc.NewHardware(cfg, nil), store)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.DebugListen != "" {
		mux := http.NewServeMux()
		session.AttachAdminRoutes(mux)
		store.AttachAdminRoutes(mux)
		done := serveDebug(ctx, cfg.DebugListen, mux)
		defer func() {
			cancel()
			<-done
		}()
		log.WithField("addr", cfg.DebugListen).Info("debug server listening")
	}

	if opts.ipc {
		return session.Serve(ctx, cmd.InOrStdin())
	}

	defer session.Close()
	p := tea.NewProgram(console.New(session, consoleOut),
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// serveDebug runs the debug server until ctx is cancelled. The returned
// channel closes once the server has stopped.
func serveDebug(ctx context.Context, addr string, h http.Handler) <-chan struct{} {
	log := monitoring.Component("debug")
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("debug server failed")
		}
	}()

	go func() {
		defer close(done)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("debug server shutdown error")
			if err := server.Close(); err != nil {
				log.WithError(err).Warn("debug server force close error")
			}
		}
	}()
	return done
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the camera and DAQ and print what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			session := ipc.NewSession(cfg, ipc.NewWriter(io.Discard), ipc.NewHardware(cfg, nil), nil)
			defer session.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(session.CheckHardware())
		},
	}
}
