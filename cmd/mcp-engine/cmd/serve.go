package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-engine-go/pkg/config"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/server"
)

const shutdownTimeout = 10 * time.Second

var notifyInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine",
	Long: `Start the engine with the demo registry: echo, add and sleep tools,
clock and sessions resources and a summarize prompt.

In stdio mode stdout carries the protocol stream, so logs go to stderr.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("transport", "", "transport type: stdio, websocket or http")
	serveCmd.Flags().Int("port", 0, "listen port for websocket and http")
	serveCmd.Flags().Int("max-sessions", 0, "maximum number of live sessions")
	serveCmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	serveCmd.Flags().DurationVar(&notifyInterval, "notify-interval", 0, "push clock updates to subscribers at this interval (0 disables)")

	_ = viper.BindPFlag("transport.type", serveCmd.Flags().Lookup("transport"))
	_ = viper.BindPFlag("transport.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("session.max_sessions", serveCmd.Flags().Lookup("max-sessions"))
	_ = viper.BindPFlag("logging.level", serveCmd.Flags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	logging.SetGlobalLogger(logger)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("Loaded config", logging.String("file", file))
	}

	var srv *server.Server
	registry, err := newDemoRegistry(time.Now, func() int { return srv.Store().SessionCount() })
	if err != nil {
		return err
	}
	srv, err = server.New(cfg.ServerConfig(), server.WithLogger(logger), server.WithRegistry(registry))
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C kills immediately
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Start(gctx)
		stop()
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if notifyInterval > 0 {
		g.Go(func() error {
			pushClock(gctx, srv, notifyInterval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pushClock notifies clock subscribers until ctx is done
func pushClock(ctx context.Context, srv *server.Server, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := srv.NotifyResourceUpdated(ctx, ClockURI); n > 0 {
				logger.Debug("Pushed clock update", logging.Int("sessions", n))
			}
		}
	}
}
