package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/claim-intake/internal/api"
	"github.com/brandon/claim-intake/internal/scanner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger surface and the optional poll ticker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Process unseen messages once and print the results as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		mailbox, _ := cmd.Flags().GetString("mailbox")
		limit, _ := cmd.Flags().GetInt("limit")
		return runPoll(scanner.Options{Mailbox: mailbox, Limit: limit})
	},
}

func init() {
	pollCmd.Flags().String("mailbox", "", "mailbox to poll (default from IMAP_MAILBOX)")
	pollCmd.Flags().Int("limit", 0, "maximum messages to process (default from IMAP_IMPORT_LIMIT)")
}

func runServe() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", a.cfg.Port),
		Handler: api.NewHandler(api.Deps{
			Poller:   a.scanner,
			History:  a.ledger,
			Workflow: a.workflow,
			Logger:   a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if interval := a.cfg.IMAP.PollInterval; interval > 0 {
		g.Go(func() error {
			runTicker(gCtx, a, interval)
			return nil
		})
	}
	return g.Wait()
}

// runTicker polls on every tick until ctx ends. A tick that lands while a
// poll is running is skipped.
func runTicker(ctx context.Context, a *app, interval time.Duration) {
	a.logger.WithField("interval", interval.String()).Info("Periodic polling enabled")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := a.scanner.Poll(ctx, scanner.Options{})
			switch {
			case errors.Is(err, scanner.ErrPollInProgress):
				a.logger.Debug("Skipping tick, poll in progress")
			case err != nil:
				a.logger.WithError(err).Error("Scheduled poll failed")
			default:
				a.logger.WithFields(logrus.Fields{"messages": len(results)}).Info("Scheduled poll finished")
			}
		}
	}
}

func runPoll(opts scanner.Options) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := a.scanner.Poll(ctx, opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
