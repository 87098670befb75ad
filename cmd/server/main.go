// Package main is the voicebox server entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/real-rm/voicebox"
	"github.com/real-rm/voicebox/internal/config"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/httperrors"
	"github.com/real-rm/voicebox/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

type serveFlags struct {
	envFile string
	port    int
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &serveFlags{}

	root := &cobra.Command{
		Use:   "voicebox",
		Short: "Real-time voice conversation server",
		Long: `voicebox bridges browser websocket clients to a realtime voice service,
a tool-using language model agent and an optional talking avatar.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, out)
		},
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Path to an optional .env file")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "Listen port (overrides SERVER_PORT)")

	root.AddCommand(newServeCmd(flags, out))
	root.AddCommand(newVersionCmd(out))
	return root
}

func newServeCmd(flags *serveFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the voicebox server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, out)
		},
	}
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "voicebox %s\n", version)
		},
	}
}

// loadConfiguration reads the env file and environment and applies flag overrides.
func loadConfiguration(flags *serveFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}
	if flags.port != 0 {
		cfg.Server.Port = flags.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, flags *serveFlags, out io.Writer) error {
	cfg, err := loadConfiguration(flags)
	if err != nil {
		return err
	}
	logger := logging.New(out, cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return run(ctx, cfg, logger, ln)
}

// run serves on ln until ctx is done, then shuts down HTTP first and the
// voicebox service second.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener, opts ...voicebox.Option) error {
	if logging.ParseLevel(cfg.Log.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Panic in HTTP handler", "path", c.FullPath(), "panic", recovered)
		httperrors.RespondInternalError(c)
	}))

	svc, err := voicebox.Register(engine, cfg, logger, opts...)
	if err != nil {
		ln.Close()
		return err
	}
	server := NewHTTPServer(ln.Addr().String(), engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "addr", ln.Addr().String(), "version", version)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		// Hijacked websockets survive http.Server.Shutdown; the service closes them.
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
