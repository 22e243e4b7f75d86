package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"node.town/livespeak/www"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions in a table",
	Long:  `List the ACTIVE sessions of a running engine by querying its /sessions endpoint`,
	Run:   runSessions,
}

func init() {
	sessionsCmd.Flags().String("url", "http://localhost:4444", "Base URL of the running engine")
}

func runSessions(cmd *cobra.Command, args []string) {
	base, _ := cmd.Flags().GetString("url")

	views, err := fetchSessions(&http.Client{Timeout: 5 * time.Second}, base)
	if err != nil {
		logger.Fatal("list sessions", "error", err)
	}
	writeSessionsTable(os.Stdout, views, time.Now())
}

func fetchSessions(client *http.Client, base string) ([]www.SessionView, error) {
	resp, err := client.Get(strings.TrimRight(base, "/") + "/sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to reach engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned %s", resp.Status)
	}
	var views []www.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return views, nil
}

func writeSessionsTable(w io.Writer, views []www.SessionView, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Identity", "Provider", "Elapsed", "Idle", "Chunks", "Segments", "Highlights", "Detached"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, v := range views {
		budget := time.Duration(v.TimeBudgetMs) * time.Millisecond
		elapsed := now.Sub(v.StartedAt).Truncate(time.Second)
		idle := now.Sub(v.LastActivityAt).Truncate(time.Second)

		table.Append([]string{
			v.ID,
			v.Identity,
			v.Provider,
			fmt.Sprintf("%s / %s", elapsed, budget),
			idle.String(),
			fmt.Sprintf("%d", v.NextChunkSeq),
			fmt.Sprintf("%d", v.Segments),
			fmt.Sprintf("%d", v.Highlights),
			fmt.Sprintf("%t", v.Detached),
		})
	}

	table.Render()
}
