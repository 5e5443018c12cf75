package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/photo-intake/internal/boot"
	"github.com/fpang/photo-intake/internal/config"
	"github.com/fpang/photo-intake/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Print an image record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		img, err := st.FindByID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if img == nil {
			return fmt.Errorf("image %s not found", args[0])
		}
		return printJSON(cmd.OutOrStdout(), img)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue ID",
	Short: "Re-enqueue the pending job of a VERIFYING or PROCESSING record",
	Long: `Re-enqueues the job matching the record's status. Use it when a record
is stuck because its job was never enqueued (Redis was down when
verification started), was lost, or was archived after its retries ran
out. An archived or completed task holding the record's task ID is
deleted first. Terminal records are left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := boot.Init(cmd.Context(), "photoctl")
		if err != nil {
			return err
		}
		defer app.Close()

		status, err := app.Processor.Requeue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if status != store.StatusVerifying && status != store.StatusProcessing {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to requeue (%s)\n", args[0], status)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: requeued (%s)\n", args[0], status)
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process ID",
	Short: "Run verification and validation for a VERIFYING record in this process",
	Long: `Runs the verify and validate steps inline instead of through the queue,
with the same state guards the workers use. Useful when the workers are
down or to debug a single upload.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := boot.Init(cmd.Context(), "photoctl")
		if err != nil {
			return err
		}
		defer app.Close()

		img, err := app.Store.FindByID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if img == nil {
			return fmt.Errorf("image %s not found", args[0])
		}
		res, err := app.Processor.ProcessVerification(cmd.Context(), img.ID, img.Key, img.MimeType, img.DeclaredSize)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the record store schema (sqlite and dataapi drivers)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		m, ok := st.(interface{ Migrate(context.Context) error })
		if !ok {
			return fmt.Errorf("the %T backend has no schema to migrate", st)
		}
		if err := m.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	},
}

// openStore opens only the record store, without Redis or S3.
func openStore(ctx context.Context) (store.RecordStore, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	clients, err := boot.InitAWS(ctx)
	if err != nil {
		return nil, nil, err
	}
	return boot.OpenStore(ctx, clients.Config, cfg)
}
