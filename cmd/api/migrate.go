package main

import (
	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-compliance/internal/infra/db/sqlstore"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, logCloser, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			db, dialect, err := openDB(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sqlstore.Migrate(db, dialect); err != nil {
				return err
			}
			log.Infof("%s migrations applied", dialect)
			return nil
		},
	}
}
