package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bulk-distance/internal/server"
	"bulk-distance/internal/session"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides config and PORT)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer a.Close()

	port := cfg.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}

	srv := server.New(a.svc, session.NewStore(), server.Options{
		SessionSecret: cfg.Server.SessionSecret,
		PublicURL:     cfg.Server.PublicURL,
		SessionIdle:   cfg.SessionIdle(),
	})
	fmt.Fprintf(os.Stdout, "bulk-distance listening on :%d\n", port)
	return srv.Run(ctx, fmt.Sprintf(":%d", port))
}
