package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"licguard/internal/config"
	"licguard/internal/logging"
	"licguard/internal/securestore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, record outcomes, journal and clock state",
	Long: `Show the resolved configuration and check every stored record.

Each record is loaded with the machine key and reported by outcome. Loading a
tampered record records the detection in the journal.`,
	Args: cobra.NoArgs,
	RunE: statusCmdRun,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	configPath := rootArgs.configPath
	if configPath == "" {
		configPath = config.ConfigPath()
	}

	cmd.Println("licguard status")
	cmd.Println("===============")
	cmd.Printf("Config:      %s\n", configPath)
	cmd.Printf("Data dir:    %s\n", e.cfg.DataDir)
	cmd.Printf("Namespace:   %s\n", e.namespace)
	cmd.Printf("Markers:     %s\n", e.markers.Kind())
	cmd.Printf("Device key:  %s\n", e.deviceKey.Source)
	if level, err := logging.ParseLevel(e.cfg.Logging.Level); err == nil {
		cmd.Printf("Log level:   %s (%s)\n", logging.LevelString(level), e.cfg.Logging.Output)
	}
	if files, err := e.logger.LogFiles(); err == nil && len(files) > 0 {
		cmd.Printf("Log files:   %s\n", strings.Join(files, ", "))
	}

	names, err := e.store.Names(e.namespace)
	if err != nil {
		return err
	}
	cmd.Println()
	cmd.Printf("Records (%d):\n", len(names))

	key := e.machineKey()
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		outcome := "unchecked (no machine key)"
		if key != "" {
			_, loadErr := e.store.Load(name, key, e.namespace)
			outcome = securestore.Classify(loadErr).String()
		}
		rows = append(rows, []string{name, outcome})
	}
	if len(rows) > 0 {
		printTable(cmd.OutOrStdout(), []string{"name", "outcome"}, rows)
	}

	cmd.Println()
	if e.journal == nil {
		cmd.Println("Journal:     disabled")
	} else {
		stats, err := e.journal.Stats()
		if err != nil {
			cmd.Printf("Journal:     error: %v\n", err)
		} else {
			integrity := "ok"
			if !stats.IntegrityOK {
				integrity = "COMPROMISED"
			}
			cmd.Printf("Journal:     %s (%d events, integrity %s)\n", e.journal.Path(), stats.EventCount, integrity)
			if stats.EventCount > 0 {
				cmd.Printf("Last event:  %s\n", stats.Newest.UTC().Format(time.RFC3339))
			}
		}
	}

	if e.clock == nil {
		cmd.Println("Clock:       unchecked (no machine key)")
		return nil
	}
	state, err := e.clock.State(e.namespace)
	if err != nil {
		cmd.Printf("Clock:       error: %v\n", err)
		return nil
	}
	cmd.Printf("Clock:       %s\n", state)
	return nil
}
