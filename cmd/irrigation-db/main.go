// Irrigation Gateway Database CLI Tool
// Provides command-line access to the gateway database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "irrigation-db",
		Short: "Irrigation Gateway Database CLI",
		Long:  "Command-line tool for inspecting the irrigation gateway database.",
	}

	schedulesCmd = &cobra.Command{
		Use:   "schedules",
		Short: "Show irrigation schedules",
		RunE:  showSchedules,
	}

	stepsCmd = &cobra.Command{
		Use:   "steps [schedule-id]",
		Short: "Show valve steps for a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  showSteps,
	}

	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Show settings (token values are masked)",
		RunE:  showSettings,
	}

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Show the mid-run checkpoint",
		RunE:  showCheckpoint,
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Show recent gateway events",
		RunE:  showEvents,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/irrigation-gateway/gateway.db", "Database file path")

	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(stepsCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func recurrenceString(rec int) string {
	switch rec {
	case 0:
		return "once"
	case 1:
		return "daily"
	case 2:
		return "weekly"
	default:
		return fmt.Sprintf("rec(%d)", rec)
	}
}

func showSchedules(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT s.id, s.recurrence, s.start_hour, s.start_minute, s.next_run_epoch,
		       s.weekday_mask, s.pump_lead_ms, s.pump_lag_ms, s.version_ts, s.enabled,
		       COUNT(t.step_idx)
		FROM schedules s LEFT JOIN schedule_steps t ON t.schedule_id = s.id
		GROUP BY s.id ORDER BY s.id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREC\tSTART\tNEXT RUN\tWD\tLEAD\tLAG\tVER\tON\tSTEPS")
	fmt.Fprintln(w, "--\t---\t-----\t--------\t--\t----\t---\t---\t--\t-----")

	for rows.Next() {
		var id string
		var rec, hour, minute, mask, lead, lag, steps int
		var nextRun, versionTS int64
		var enabled bool

		if err := rows.Scan(&id, &rec, &hour, &minute, &nextRun, &mask, &lead, &lag, &versionTS, &enabled, &steps); err != nil {
			return err
		}

		nextStr := "-"
		if nextRun > 0 {
			nextStr = time.Unix(nextRun, 0).Format("2006-01-02 15:04")
		}
		onStr := "no"
		if enabled {
			onStr = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%02d:%02d\t%s\t0x%02X\t%dms\t%dms\t%d\t%s\t%d\n",
			id, recurrenceString(rec), hour, minute, nextStr, mask, lead, lag, versionTS, onStr, steps)
	}
	return w.Flush()
}

func showSteps(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT step_idx, node_id, valve_id, duration_ms
		FROM schedule_steps WHERE schedule_id = ? ORDER BY step_idx
	`, args[0])
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDX\tNODE\tVALVE\tDURATION")
	fmt.Fprintln(w, "---\t----\t-----\t--------")

	for rows.Next() {
		var idx, node, valve, durationMS int
		if err := rows.Scan(&idx, &node, &valve, &durationMS); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", idx, node, valve, (time.Duration(durationMS) * time.Millisecond).String())
	}
	return w.Flush()
}

// settings whose values must not be printed in the clear
var maskedKeys = map[string]bool{
	"shared_token":   true,
	"bt_token":       true,
	"lora_token":     true,
	"mq_token":       true,
	"recovery_token": true,
}

func showSettings(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
	fmt.Fprintln(w, "---\t-----\t-------")

	for rows.Next() {
		var key, value string
		var updatedAt time.Time
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return err
		}
		if maskedKeys[key] && value != "" {
			value = "********"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", key, value, updatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showCheckpoint(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var scheduleID string
	var stepIdx int
	var updatedAt time.Time
	err = db.QueryRow(`SELECT schedule_id, step_idx, updated_at FROM run_checkpoint WHERE id = 1`).
		Scan(&scheduleID, &stepIdx, &updatedAt)
	if err == sql.ErrNoRows {
		fmt.Println("No checkpoint (no run in progress at last save)")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Schedule: %s\nStep:     %d\nSaved:    %s\n", scheduleID, stepIdx, updatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT id, kind, detail, timestamp FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tDETAIL\tTIME")
	fmt.Fprintln(w, "--\t----\t------\t----")

	for rows.Next() {
		var id int64
		var kind, detail string
		var ts time.Time
		if err := rows.Scan(&id, &kind, &detail, &ts); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", id, kind, detail, ts.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	tables := []string{"settings", "schedules", "schedule_steps", "run_checkpoint", "events"}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS")
	fmt.Fprintln(w, "-----\t----")

	for _, table := range tables {
		var count int64
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\n", table, count)
	}
	return w.Flush()
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(args[0])
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i, col := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, col)
	}
	fmt.Fprintln(w)

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			switch val := v.(type) {
			case []byte:
				fmt.Fprint(w, string(val))
			case nil:
				fmt.Fprint(w, "NULL")
			default:
				fmt.Fprint(w, val)
			}
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
