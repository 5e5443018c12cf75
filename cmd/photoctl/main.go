// Package main is the operator CLI for the photo intake pipeline.
//
// Examples:
//
//	photoctl validate ./portrait.heic
//	photoctl hash a.jpg b.jpg
//	photoctl status a1b2c3d4-e5f6-7890-abcd-ef1234567890
//	photoctl requeue a1b2c3d4-e5f6-7890-abcd-ef1234567890
//	STORE_DRIVER=sqlite photoctl migrate
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fpang/photo-intake/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "photoctl",
	Short: "Inspect and repair the photo intake pipeline",
	Long: `photoctl runs the validation engine on local files and inspects or
repairs image records in the configured store.

Store, bucket and Redis settings come from the same environment variables
the services use (STORE_DRIVER, S3_BUCKET, REDIS_ADDR, ...).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.AddCommand(validateCmd, hashCmd, statusCmd, requeueCmd, processCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
