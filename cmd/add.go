package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/store"
)

var (
	addWeight    float64
	addWeightBy  string
	addBadMask   uint16
	addBadPlanes []string
)

var addCmd = &cobra.Command{
	Use:   "add <session-id> <exposure-dir>...",
	Short: "Add exposures to a coadd session",
	Long: `Folds one or more exposures into a stored session with the given weight.
With --weight-by exposure-time the weight is multiplied by each exposure's
recorded exposure time. Pixels whose mask intersects the bad pixel mask are
skipped. The bad pixel mask is --bad-mask OR-ed with the named --bad-planes;
when neither is given the config's badMaskPlanes are used. The session is
saved once at the end and the contributions are then recorded in its ledger.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAdd,
}

func init() {
	addCmd.Flags().Float64VarP(&addWeight, "weight", "w", 1, "Weight of each exposure")
	addCmd.Flags().StringVar(&addWeightBy, "weight-by", "constant", "Weight source: constant, exposure-time")
	addCmd.Flags().Uint16Var(&addBadMask, "bad-mask", 0, "Raw bad pixel mask bits")
	addCmd.Flags().StringSliceVar(&addBadPlanes, "bad-planes", nil, "Mask plane names treated as bad")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	var byExposureTime bool
	switch addWeightBy {
	case "", "constant":
	case "exposure-time":
		byExposureTime = true
	default:
		return fmt.Errorf("unknown --weight-by %q (want constant or exposure-time)", addWeightBy)
	}

	bad, err := badPixelMask(cfg, addBadMask, cmd.Flags().Changed("bad-mask"), addBadPlanes)
	if err != nil {
		return err
	}
	fs, err := openStore()
	if err != nil {
		return err
	}

	results, err := addExposures(fs, args[0], args[1:], bad, addWeight, byExposureTime)
	for _, c := range results {
		fmt.Printf("#%d weight=%g included=%d excluded=%d\n", c.Seq, c.Weight, c.Included, c.Excluded)
	}
	return err
}

// addExposures folds exposure directories into a stored session and saves it.
// Exposures added before a failure are kept: the session is saved and the
// error returned. Contributions reach the ledger only once the save succeeded.
func addExposures(fs *store.FSStore, id string, dirs []string, bad coadd.MaskPixel, weight float64, byExposureTime bool) ([]coadd.Contribution, error) {
	sess, err := fs.LoadSession(id)
	if err != nil {
		return nil, err
	}
	mode, err := coadd.ParseMode(sess.Meta.Mode)
	if err != nil {
		return nil, err
	}
	acc, err := coadd.ResumeAccumulator(sess.Coadd, sess.Weights, sess.Meta.Count, coaddOptions(mode))
	if err != nil {
		return nil, err
	}

	var (
		results []coadd.Contribution
		entries []store.LedgerEntry
		addErr  error
	)
	for _, dir := range dirs {
		in, meta, err := store.LoadExposure(dir)
		if err != nil {
			addErr = fmt.Errorf("exposure %s: %w", dir, err)
			break
		}
		w := weight
		if byExposureTime {
			if w, err = meta.ScaledWeight(weight); err != nil {
				addErr = fmt.Errorf("exposure %s: %w", dir, err)
				break
			}
		}
		c, err := acc.Add(in, bad, float32(w))
		if err != nil {
			addErr = fmt.Errorf("exposure %s: %w", dir, err)
			break
		}
		results = append(results, c)
		entries = append(entries, store.LedgerEntry{
			Seq:          c.Seq,
			Source:       dir,
			Weight:       c.Weight,
			BadPixelMask: uint16(bad),
			Included:     c.Included,
			Excluded:     c.Excluded,
			Timestamp:    time.Now(),
		})
		slog.Info("Exposure added", "session_id", id, "exposure", dir, "seq", c.Seq,
			"weight", c.Weight, "included", c.Included, "excluded", c.Excluded)
	}

	if len(results) == 0 {
		return nil, addErr
	}

	sess.Meta.Count = acc.Count()
	if err := fs.SaveSession(sess); err != nil {
		return nil, errors.Join(addErr, fmt.Errorf("failed to save session: %w", err))
	}
	if err := store.AppendLedger(fs.BaseDir(), id, entries...); err != nil {
		return results, errors.Join(addErr, fmt.Errorf("failed to record contributions: %w", err))
	}
	return results, addErr
}
