package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacentio/medley/reconcile"
	"github.com/jacentio/medley/store"
)

func newInitCommand(ctx *commandContext) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Provision the store and backfill key indexes",
		Long: `Init creates the DynamoDB tables when they do not exist and backfills the
lookup entries for every key index derived from the configured sources.
For the badger backend it opens the database and backfills in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var engine *reconcile.Engine
			if cfg.Store.Backend == "dynamodb" {
				client, err := dynamoClient(cmd.Context(), cfg.Store.DynamoDB)
				if err != nil {
					return err
				}
				storeCfg := dynamoConfig(cfg.Store.DynamoDB)
				if err := store.CreateTables(cmd.Context(), client, storeCfg, wait); err != nil {
					return err
				}
				// Indexes are left unregistered so EnsureIndexes backfills them.
				s := store.NewDynamo(client, storeCfg, store.WithLogger(ctx.logger))
				ctx.store = s
				engine = reconcile.New(s, reconcile.WithKeySchemas(cfg.KeySchemas()), reconcile.WithLogger(ctx.logger))
				ctx.engine = engine
			} else if engine, err = ctx.ensureEngine(cmd.Context()); err != nil {
				return err
			}

			if err := engine.EnsureIndexes(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store ready with %d key indexes\n", cfg.Store.Backend, len(engine.Indexes()))
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for new tables to become active")
	return cmd
}
