package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"licguard/internal/secureclock"
)

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Read the rollback-resistant clock",
}

var clockNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Print the effective time and advance the watermark",
	Args:  cobra.NoArgs,
	RunE:  clockNowCmdRun,
}

var clockCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the system clock with the stored watermark",
	Long: `Compare the system clock with the stored watermark without advancing it.

Exits 3 when the system clock is behind the watermark.`,
	Args: cobra.NoArgs,
	RunE: clockCheckCmdRun,
}

func init() {
	clockCmd.AddCommand(clockNowCmd, clockCheckCmd)
	rootCmd.AddCommand(clockCmd)
}

func clockNowCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	clock, err := e.requireClock()
	if err != nil {
		return err
	}

	now, err := clock.GetEffectiveTime(e.namespace)
	switch {
	case errors.Is(err, secureclock.ErrWatermarkNotSaved):
		e.log.Warn("effective time not persisted", "namespace", e.namespace, "error", err)
	case err != nil:
		return err
	}
	cmd.Println(now.UTC().Format(time.RFC3339Nano))
	return nil
}

func clockCheckCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	clock, err := e.requireClock()
	if err != nil {
		return err
	}

	state, err := clock.State(e.namespace)
	if err != nil {
		return err
	}
	w, ok, err := clock.Watermark(e.namespace)
	if err != nil {
		return err
	}

	watermark := "none"
	if ok {
		watermark = w.UTC().Format(time.RFC3339Nano)
	}
	cmd.Printf("state:     %s\n", state)
	cmd.Printf("watermark: %s\n", watermark)
	cmd.Printf("system:    %s\n", time.Now().UTC().Format(time.RFC3339Nano))

	if state == secureclock.RolledBack {
		return fmt.Errorf("%w (namespace %s)", errRolledBack, e.namespace)
	}
	return nil
}
