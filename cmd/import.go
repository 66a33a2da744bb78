package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/ingest"
	"github.com/cwbudde/coadd/internal/store"
)

var importOut string

var importCmd = &cobra.Command{
	Use:   "import <image>...",
	Short: "Convert PNG/TIFF frames into exposures",
	Long: `Decodes grayscale PNG or TIFF frames and writes each as an exposure
directory (exposure.json plus image, variance and mask planes). Variance
follows DN/gain + readNoise²; pixels at or above the saturation level get the
SAT mask plane. Detector parameters come from the import section of the config.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVarP(&importOut, "out", "o", "exposures", "Directory to write exposures into")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	// A config without a SAT plane simply flags nothing.
	satBits, _ := cfg.MaskPlanes.BitMask("SAT")
	opts := ingest.Options{
		Gain:          cfg.Import.Gain,
		ReadNoise:     cfg.Import.ReadNoise,
		Saturation:    cfg.Import.Saturation,
		SaturatedBits: satBits,
	}

	for _, path := range args {
		exp, err := ingest.Load(path, opts)
		if err != nil {
			return err
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		dir := filepath.Join(importOut, name)
		if err := store.SaveExposure(dir, exp.Image, store.ExposureMeta{Source: path, ExposureTime: exp.ExposureTime}); err != nil {
			return fmt.Errorf("failed to write exposure for %s: %w", path, err)
		}

		d := exp.Image.Dims()
		slog.Info("Imported exposure", "source", path, "dir", dir, "size", d.String(),
			"saturated", exp.Image.Mask.CountSet(satBits), "exposure_time", exp.ExposureTime)
		fmt.Println(dir)
	}
	return nil
}
