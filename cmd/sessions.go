package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/store"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored coadd sessions",
	Long:  `List, inspect and clean coadd sessions in the session store.`,
}

var listSessionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored sessions",
	Long:  `Display all sessions with ID, name, mode, size, contribution count, last update and disk usage.`,
	Args:  cobra.NoArgs,
	RunE:  runListSessions,
}

var showSessionCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its contribution ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowSession,
}

var cleanSessionsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old sessions",
	Long: `Delete sessions based on retention policy.
You can keep the N most recently updated sessions or delete sessions not updated for N days.`,
	Args: cobra.NoArgs,
	RunE: runCleanSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd, showSessionCmd, cleanSessionsCmd)

	cleanSessionsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recently updated sessions (0 = keep all)")
	cleanSessionsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete sessions not updated for N days (0 = no age limit)")
	cleanSessionsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListSessions(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	infos, err := fs.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tNAME\tMODE\tSIZE\tCOUNT\tUPDATED\tDISK")
	fmt.Fprintln(w, "----------\t----\t----\t----\t-----\t-------\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(fs.SessionDir(info.ID)); err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%s\t%s\n",
			shortID(info.ID),
			info.Name,
			info.Mode,
			info.Width, info.Height,
			info.Count,
			info.UpdatedAt.Format("2006-01-02 15:04:05"),
			sizeStr,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal sessions: %d\n", len(infos))
	return nil
}

func runShowSession(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	meta, err := fs.LoadMeta(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session: %s\n", meta.ID)
	if meta.Name != "" {
		fmt.Printf("Name: %s\n", meta.Name)
	}
	fmt.Printf("Mode: %s\n", meta.Mode)
	fmt.Printf("Size: %dx%d\n", meta.Width, meta.Height)
	fmt.Printf("Contributions: %d\n", meta.Count)
	fmt.Printf("Created: %s\n", meta.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", meta.UpdatedAt.Format(time.RFC3339))

	lr, err := store.NewLedgerReader(fs.BaseDir(), meta.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("\nNo contributions recorded.")
			return nil
		}
		return err
	}
	defer lr.Close()

	entries, err := lr.ReadAll()
	if err != nil {
		return err
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tWEIGHT\tBAD MASK\tINCLUDED\tEXCLUDED\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%g\t%#04x %v\t%d\t%d\t%s\n",
			e.Seq, e.Weight, e.BadPixelMask, cfg.MaskPlanes.Describe(coadd.MaskPixel(e.BadPixelMask)),
			e.Included, e.Excluded, e.Source)
	}
	return w.Flush()
}

func runCleanSessions(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	fs, err := openStore()
	if err != nil {
		return err
	}
	infos, err := fs.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No sessions to clean.")
		return nil
	}

	toDelete := selectSessionsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Println("No sessions match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d session(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%d contributions, updated %s)\n",
			shortID(info.ID), info.Count, info.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := fs.DeleteSession(info.ID); err != nil {
			slog.Error("Failed to delete session", "session_id", info.ID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted session", "session_id", info.ID)
		deleted++
	}

	fmt.Printf("\nDeleted %d session(s), %d failed.\n", deleted, failed)
	return nil
}

// selectSessionsForDeletion applies the retention policy: sessions not
// updated within olderThanDays of now, plus everything beyond the keepLast
// most recently updated. Each session is selected at most once.
func selectSessionsForDeletion(infos []store.SessionInfo, keepLast, olderThanDays int, now time.Time) []store.SessionInfo {
	selected := make(map[string]bool)
	var toDelete []store.SessionInfo

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.ID] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.SessionInfo, len(infos))
		copy(sorted, infos)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt) })

		for _, info := range sorted[keepLast:] {
			if !selected[info.ID] {
				toDelete = append(toDelete, info)
				selected[info.ID] = true
			}
		}
	}

	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
