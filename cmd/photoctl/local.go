package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fpang/photo-intake/internal/boot"
	"github.com/fpang/photo-intake/internal/config"
	"github.com/fpang/photo-intake/internal/validation"
)

var (
	mimeFlag      string
	withStoreFlag bool
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Run the validation engine on a local file",
	Long: `Runs every validation check on FILE and prints the result as JSON.
Duplicate detection only runs with --store, which reads accepted hashes
from the configured record store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path := args[0]
		mimeType := mimeFlag
		if mimeType == "" {
			if mimeType, err = mimeFromPath(path); err != nil {
				return err
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		var hashes validation.HashSource
		if withStoreFlag {
			clients, err := boot.InitAWS(cmd.Context())
			if err != nil {
				return err
			}
			st, closeStore, err := boot.OpenStore(cmd.Context(), clients.Config, cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			hashes = st
		}

		engine := validation.NewEngine(cfg.Validation, fileReader{}, hashes)
		result, err := engine.Validate(cmd.Context(), path, mimeType, info.Size())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash FILE_A FILE_B",
	Short: "Print the perceptual hashes of two files and their distance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := validation.NewEngine(validation.DefaultConfig(), fileReader{}, nil)
		var hashes [2]string
		for i, path := range args {
			h, err := hashFile(cmd.Context(), engine, path)
			if err != nil {
				return err
			}
			hashes[i] = h
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s  %s\n%s  %s\n", hashes[0], args[0], hashes[1], args[1])
		d, ok := validation.HammingDistance(hashes[0], hashes[1])
		if !ok {
			return fmt.Errorf("hashes are not comparable")
		}
		verdict := "distinct"
		if d <= validation.DefaultConfig().HashThreshold {
			verdict = "duplicate"
		}
		fmt.Fprintf(out, "distance %d (%s)\n", d, verdict)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&mimeFlag, "mime", "", "MIME type of FILE (default: from the extension)")
	validateCmd.Flags().BoolVar(&withStoreFlag, "store", false, "Check duplicates against accepted images in the record store")
}

func hashFile(ctx context.Context, engine *validation.Engine, path string) (string, error) {
	mimeType, err := mimeFromPath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	analysis, err := engine.Analyze(ctx, mimeType, data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return analysis.PHash, nil
}

// fileReader serves validation downloads from the local filesystem; the
// key is the path.
type fileReader struct{}

func (fileReader) Download(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

var extMIME = map[string]string{
	".jpg":  validation.MimeJPEG,
	".jpeg": validation.MimeJPEG,
	".png":  validation.MimePNG,
	".heic": validation.MimeHEIC,
	".heif": validation.MimeHEIC,
}

func mimeFromPath(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if m, ok := extMIME[ext]; ok {
		return m, nil
	}
	return "", fmt.Errorf("cannot infer the MIME type of %s; pass --mime", path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
