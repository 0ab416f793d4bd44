package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"buzzworker/internal/buzzworker"
	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured worker version, then exit",
	Long: `Fetch the precache manifest into the store and activate the configured
worker version, purging what the previous version owned. The store must not
be in use by a running "serve".`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func runInstall(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buzzworker.NewService(ctx, cfg, buzzworker.WithLogger(logger.Named("worker")))
	if err != nil {
		return errors.Wrap(err, "init service")
	}
	defer svc.Close()

	report, err := svc.Start(ctx)
	if err != nil {
		return err
	}
	// Running install is the operator's answer to the update prompt.
	if svc.Waiting() {
		if err := svc.SkipWaiting(ctx); err != nil {
			return err
		}
	}

	rows := pterm.TableData{{"Fetched", "Skipped", "Failed", "Bytes"}}
	rows = append(rows, []string{
		pterm.Sprint(report.Fetched),
		pterm.Sprint(report.Skipped),
		pterm.Sprint(len(report.Failed)),
		pterm.Sprint(report.Bytes),
	})
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	for _, f := range report.Failed {
		pterm.Warning.Printfln("%s: %v", f.URL, f.Err)
	}
	pterm.Success.Printfln("worker %s is %s", cfg.Worker.Version, svc.State())
	return nil
}
