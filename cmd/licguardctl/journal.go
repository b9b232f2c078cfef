package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"licguard/internal/journal"
	"licguard/internal/securestore"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the tamper detection journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded tamper detections",
	Example: `  licguardctl journal list --since 24h
  licguardctl journal list --all-namespaces -o json`,
	Args: cobra.NoArgs,
	RunE: journalListCmdRun,
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-check the journal's hash chain and integrity seal",
	Args:  cobra.NoArgs,
	RunE:  journalVerifyCmdRun,
}

type journalListFlags struct {
	allNamespaces bool
	name          string
	since         time.Duration
	limit         int
	output        string
}

var journalListArgs journalListFlags

func init() {
	journalListCmd.Flags().BoolVarP(&journalListArgs.allNamespaces, "all-namespaces", "A", false,
		"List detections from every namespace.")
	journalListCmd.Flags().StringVar(&journalListArgs.name, "name", "",
		"Only detections for this record name.")
	journalListCmd.Flags().DurationVar(&journalListArgs.since, "since", 0,
		"Only detections newer than this duration.")
	journalListCmd.Flags().IntVar(&journalListArgs.limit, "limit", 0,
		"Maximum number of detections (0 for all).")
	journalListCmd.Flags().StringVarP(&journalListArgs.output, "output", "o", "table",
		"Output format: table or json.")

	journalCmd.AddCommand(journalListCmd, journalVerifyCmd)
	rootCmd.AddCommand(journalCmd)
}

func (e *env) requireJournal() (*journal.Journal, error) {
	if e.journal == nil {
		return nil, fmt.Errorf("%w: journal is disabled in the config", securestore.ErrConfiguration)
	}
	return e.journal, nil
}

type eventView struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Namespace  string    `json:"namespace"`
	Name       string    `json:"name,omitempty"`
	Kind       string    `json:"kind"`
	DetectedAt time.Time `json:"detected_at"`
	Hash       string    `json:"hash"`
}

func journalListCmdRun(cmd *cobra.Command, args []string) error {
	if journalListArgs.output != "table" && journalListArgs.output != "json" {
		return fmt.Errorf("%w: unknown output format %q", securestore.ErrConfiguration, journalListArgs.output)
	}

	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := e.requireJournal()
	if err != nil {
		return err
	}

	filter := journal.Filter{Name: journalListArgs.name, Limit: journalListArgs.limit}
	if !journalListArgs.allNamespaces {
		filter.Namespace = e.namespace
	}
	if journalListArgs.since > 0 {
		filter.Since = time.Now().Add(-journalListArgs.since)
	}

	events, err := j.Events(filter)
	if err != nil {
		return err
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			Seq:        ev.Seq,
			ID:         ev.ID.String(),
			Namespace:  ev.Namespace,
			Name:       ev.Name,
			Kind:       ev.Kind,
			DetectedAt: ev.DetectedAt.UTC(),
			Hash:       hex.EncodeToString(ev.EventHash[:]),
		})
	}

	if journalListArgs.output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(views) == 0 {
		cmd.Println("no tamper detections recorded")
		return nil
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		name := v.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{
			strconv.FormatInt(v.Seq, 10), v.DetectedAt.Format(time.RFC3339), v.Namespace, name, v.Kind,
		})
	}
	printTable(cmd.OutOrStdout(), []string{"seq", "detected", "namespace", "name", "kind"}, rows)
	return nil
}

func journalVerifyCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := e.requireJournal()
	if err != nil {
		return err
	}
	if err := j.Verify(); err != nil {
		return fmt.Errorf("%w: %w", securestore.ErrTampered, err)
	}

	stats, err := j.Stats()
	if err != nil {
		return err
	}
	cmd.Printf("✔ journal %s verified: %d events, chain %s\n", j.Path(), stats.EventCount, stats.ChainHash)
	return nil
}
