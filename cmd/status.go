package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Query server status or a specific session",
	Long: `Queries a running coadd server for session information.
If no session-id is provided, lists all sessions.
If session-id is provided, shows detailed status for that session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		var sessions []server.SessionStatus
		if err := getJSON(serverURL+"/api/v1/sessions", &sessions); err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), sessions)
		return nil
	}

	var st server.SessionStatus
	if err := getJSON(fmt.Sprintf("%s/api/v1/sessions/%s/status", serverURL, args[0]), &st); err != nil {
		return err
	}
	printSessionStatus(cmd.OutOrStdout(), st)
	return nil
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printSessions(out io.Writer, sessions []server.SessionStatus) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tNAME\tMODE\tSIZE\tCOUNT\tDIRTY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%v\n", s.ID, s.Name, s.Mode, s.Width, s.Height, s.Count, s.Dirty)
	}
	w.Flush()
}

func printSessionStatus(out io.Writer, s server.SessionStatus) {
	fmt.Fprintf(out, "Session: %s\n", s.ID)
	if s.Name != "" {
		fmt.Fprintf(out, "Name: %s\n", s.Name)
	}
	fmt.Fprintf(out, "Mode: %s\n", s.Mode)
	fmt.Fprintf(out, "Size: %dx%d\n", s.Width, s.Height)
	fmt.Fprintf(out, "Contributions: %d\n", s.Count)
	fmt.Fprintf(out, "Unsaved changes: %v\n", s.Dirty)
	if s.Last != nil {
		fmt.Fprintf(out, "Last contribution: #%d weight=%g included=%d excluded=%d\n",
			s.Last.Seq, s.Last.Weight, s.Last.Included, s.Last.Excluded)
	}
}
