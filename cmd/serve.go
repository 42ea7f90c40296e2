package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/packd-dev/packd/internal/config"
	"github.com/packd-dev/packd/internal/logging"
	"github.com/packd-dev/packd/internal/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compilation preview server",
	Long: `Start the compilation preview server.

The server accepts POST /compilation requests, builds each entry set with
an incremental bundler in watch mode, and serves per-compilation preview
pages backed entirely by memory.

Examples:
  packd serve                 # Ephemeral port on loopback
  packd serve --port 8080     # Fixed port
  packd serve --host 0.0.0.0  # All interfaces`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	registerServeFlags(serveCmd.Flags())
}

func registerServeFlags(flags *pflag.FlagSet) {
	flags.IntP("port", "p", 0, "Port to serve on (0 picks an ephemeral port)")
	flags.String("host", "127.0.0.1", "Host to bind to")
	flags.String("target", "es2020", "JS language target for builds")
	flags.Bool("sourcemap", false, "Emit inline source maps")

	viper.BindPFlag("server.port", flags.Lookup("port"))
	viper.BindPFlag("server.host", flags.Lookup("host"))
	viper.BindPFlag("build.target", flags.Lookup("target"))
	viper.BindPFlag("build.sourcemap", flags.Lookup("sourcemap"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: "text",
		Output: os.Stderr,
	})

	srv := server.New(cfg, logger)

	ctx := context.Background()
	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	url, err := srv.ServerURL()
	if err != nil {
		return err
	}
	fmt.Printf("packd serving on %s\n", url)

	// Block until interrupted, then drain gracefully.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Close(shutdownCtx)
}
