package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-compliance/internal/application/reaper"
	appscans "github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/db/sqlstore"
)

func newReapCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail running scans older than the reaper threshold, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reap(cmd.Context(), *configPath)
		},
	}
}

func reap(ctx context.Context, configPath string) error {
	cfg, log, logCloser, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	db, dialect, err := openDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := &appscans.Service{
		Repo:   sqlstore.NewScanRepository(db, dialect),
		Errors: sqlstore.NewScanErrorRepository(db, dialect),
		Log:    log,
	}
	// no live registry here: this process supervises nothing, so the
	// threshold alone decides
	rp := reaper.New(log, reaper.Config{Threshold: cfg.Reaper.Threshold}, reaper.Deps{Service: svc})
	ids, err := rp.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	log.Infof("reaped %d scans", len(ids))
	return nil
}
