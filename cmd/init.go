package main

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/store"
)

var (
	initName   string
	initWidth  int
	initHeight int
	initMode   string
	initLike   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty coadd session",
	Long: `Creates a zero-initialized coadd and weight map in the session store and
prints the new session ID. The geometry is given with --width/--height or
copied from an imported exposure with --like.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Human readable session name")
	initCmd.Flags().IntVar(&initWidth, "width", 0, "Coadd width in pixels")
	initCmd.Flags().IntVar(&initHeight, "height", 0, "Coadd height in pixels")
	initCmd.Flags().StringVar(&initMode, "mode", "weighted-mean", "Accumulation mode: weighted-mean, chi-squared")
	initCmd.Flags().StringVar(&initLike, "like", "", "Take width and height from this exposure directory")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	mode, err := coadd.ParseMode(initMode)
	if err != nil {
		return err
	}

	w, h := initWidth, initHeight
	if initLike != "" {
		mi, _, err := store.LoadExposure(initLike)
		if err != nil {
			return fmt.Errorf("failed to read --like exposure: %w", err)
		}
		d := mi.Dims()
		w, h = d.Width, d.Height
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("session size must be positive, got %dx%d (use --width/--height or --like)", w, h)
	}

	fs, err := openStore()
	if err != nil {
		return err
	}

	sess := store.NewSession(uuid.New().String(), initName, w, h, mode)
	if err := fs.SaveSession(sess); err != nil {
		return err
	}

	slog.Info("Session created", "session_id", sess.Meta.ID, "width", w, "height", h, "mode", mode)
	fmt.Println(sess.Meta.ID)
	return nil
}
