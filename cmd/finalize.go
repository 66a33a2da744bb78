package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/preview"
	"github.com/cwbudde/coadd/internal/store"
)

var (
	finalizeOut     string
	finalizeOrder   float64
	finalizePreview bool
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize <session-id>",
	Short: "Normalize a session into a final coadd exposure",
	Long: `Divides the accumulated planes by the weight map (weighted-mean sessions) or
by the chi-squared order (chi-squared sessions) and writes the result as an
exposure directory. Pixels that never received weight become NaN and carry
the noDataPlane mask bit. With --preview, coadd.png and weight.png are written
next to the planes.`,
	Args: cobra.ExactArgs(1),
	RunE: runFinalize,
}

func init() {
	finalizeCmd.Flags().StringVarP(&finalizeOut, "out", "o", "", "Output directory (default <data-dir>/sessions/<id>/final)")
	finalizeCmd.Flags().Float64Var(&finalizeOrder, "order", 0, "Chi-squared order (default: number of contributions)")
	finalizeCmd.Flags().BoolVar(&finalizePreview, "preview", true, "Also write PNG previews")
	rootCmd.AddCommand(finalizeCmd)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	id := args[0]
	sess, err := fs.LoadSession(id)
	if err != nil {
		return err
	}

	final, err := finalizeSession(sess, finalizeOrder, cfg.NoDataMask())
	if err != nil {
		return err
	}

	out := finalizeOut
	if out == "" {
		out = filepath.Join(fs.SessionDir(id), "final")
	}
	if err := store.SaveExposure(out, final, store.ExposureMeta{Source: "session:" + id}); err != nil {
		return err
	}

	if finalizePreview {
		title := fmt.Sprintf("%s (%s, n=%d)", sess.Meta.Name, sess.Meta.Mode, sess.Meta.Count)
		if err := preview.Save(filepath.Join(out, "coadd.png"), final.Image, preview.Options{Title: title, Low: 0.005, High: 0.995}); err != nil {
			return err
		}
		if err := preview.Save(filepath.Join(out, "weight.png"), sess.Weights, preview.Options{Title: "weight"}); err != nil {
			return err
		}
	}

	noData := final.Mask.CountSet(cfg.NoDataMask())
	slog.Info("Session finalized", "session_id", id, "out", out, "count", sess.Meta.Count, "no_data_pixels", noData)
	fmt.Println(out)
	return nil
}

// finalizeSession normalizes a stored session according to its mode. A
// non-positive order uses the number of contributions.
func finalizeSession(sess *store.Session, order float64, noData coadd.MaskPixel) (*coadd.MaskedImage[float32], error) {
	mode, err := coadd.ParseMode(sess.Meta.Mode)
	if err != nil {
		return nil, err
	}
	if mode == coadd.ModeChiSquared {
		if order <= 0 {
			order = float64(sess.Meta.Count)
		}
		return coadd.FinalizeChiSquared(sess.Coadd, sess.Weights, order, noData)
	}
	return coadd.Finalize(sess.Coadd, sess.Weights, noData)
}
