package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"licguard/internal/config"
	"licguard/internal/logging"
	"licguard/internal/markers"
	"licguard/internal/securestore"
)

var markersCmd = &cobra.Command{
	Use:   "markers",
	Short: "Inspect tamper-evidence markers",
}

var markersGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one marker value from the namespace's marker set",
	Args:  cobra.ExactArgs(1),
	RunE:  markersGetCmdRun,
}

var markersClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the namespace's whole marker set",
	Args:  cobra.NoArgs,
	RunE:  markersClearCmdRun,
}

var markersVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the integrity witness of the namespace's marker set",
	Args:  cobra.NoArgs,
	RunE:  markersVerifyCmdRun,
}

var markersWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Report out-of-band changes to signed marker files until interrupted",
	Args:  cobra.NoArgs,
	RunE:  markersWatchCmdRun,
}

type markersWatchFlags struct {
	settle  time.Duration
	timeout time.Duration
}

var markersWatchArgs markersWatchFlags

func init() {
	markersWatchCmd.Flags().DurationVar(&markersWatchArgs.settle, "settle", markers.DefaultSettle,
		"Quiet period before a changed file is verified.")
	markersWatchCmd.Flags().DurationVar(&markersWatchArgs.timeout, "timeout", 0,
		"Stop watching after this long (0 watches until interrupted).")

	markersCmd.AddCommand(markersGetCmd, markersClearCmd, markersVerifyCmd, markersWatchCmd)
	rootCmd.AddCommand(markersCmd)
}

// setVerifier is implemented by backends with a whole-set integrity witness.
type setVerifier interface {
	Verify(namespace string) error
}

func markerErr(err error) error {
	if errors.Is(err, markers.ErrTampered) {
		return fmt.Errorf("%w: %w", securestore.ErrTampered, err)
	}
	return err
}

func markersGetCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	value, err := e.markers.GetMarker(e.namespace, args[0])
	if errors.Is(err, markers.ErrNotFound) {
		return fmt.Errorf("%w: marker %s not set in %s", securestore.ErrAbsent, args[0], e.namespace)
	}
	if err != nil {
		return markerErr(err)
	}
	cmd.Println(value)
	return nil
}

func markersClearCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.markers.ClearMarkers(e.namespace); err != nil {
		return err
	}
	cmd.Printf("✔ cleared markers for %s (%s backend)\n", e.namespace, e.markers.Kind())
	return nil
}

func markersVerifyCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	v, ok := e.markers.(setVerifier)
	if !ok {
		cmd.Printf("%s backend has no set-level witness to verify\n", e.markers.Kind())
		return nil
	}

	switch err := v.Verify(e.namespace); {
	case err == nil:
		cmd.Printf("✔ marker set %s verified\n", e.namespace)
		return nil
	case errors.Is(err, markers.ErrNotFound):
		cmd.Printf("no marker set for %s\n", e.namespace)
		return nil
	default:
		e.metrics.ObserveTamper(string(securestore.TamperMarkerSet))
		return markerErr(err)
	}
}

func markersWatchCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	backend, ok := e.markers.(*markers.SignedFileBackend)
	if !ok {
		return fmt.Errorf("%w: watch needs the signedfile backend, have %s",
			securestore.ErrConfiguration, e.markers.Kind())
	}

	w, err := markers.NewWatcher(backend.Dir(), backend.Verify)
	if err != nil {
		return err
	}
	w.SetSettle(markersWatchArgs.settle)
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if markersWatchArgs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, markersWatchArgs.timeout)
		defer cancel()
	}

	// The marker location is fixed for the life of the watch; a config
	// edit that moves it ends the watch so it can be restarted.
	loader := config.NewLoader(rootArgs.configPath)
	moved := make(chan struct{}, 1)
	var configErrs <-chan error
	if _, err := loader.Load(); err == nil && loader.Watch() == nil {
		defer loader.Close()
		configErrs = loader.Errors()
		loader.OnChange(func(old, new *config.Config) {
			if old.Markers != new.Markers {
				select {
				case moved <- struct{}{}:
				default:
				}
			}
		})
	}

	cmd.Printf("watching %s\n", backend.Dir())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-moved:
			cmd.Println("marker configuration changed, restart the watch to follow it")
			return nil
		case err := <-configErrs:
			logging.FromContext(ctx).Warn("config reload", "error", err)
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			e.reportWatchEvent(cmd, ev)
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			logging.FromContext(ctx).Warn("marker watcher", "error", err)
		}
	}
}

func (e *env) reportWatchEvent(cmd *cobra.Command, ev markers.WatchEvent) {
	ts := ev.Time.Format(time.RFC3339)
	switch {
	case ev.Op == markers.WatchRemoved:
		cmd.Printf("%s %s removed\n", ts, ev.Namespace)
	case errors.Is(ev.Err, markers.ErrTampered):
		cmd.Printf("%s %s TAMPERED: %v\n", ts, ev.Namespace, ev.Err)
		e.metrics.ObserveTamper(string(securestore.TamperMarkerSet))
		if e.journal != nil && e.journal.IntegrityOK() {
			if err := e.journal.RecordTamper(ev.Namespace, "", string(securestore.TamperMarkerSet), ev.Time); err != nil {
				e.log.Warn("journal marker tamper", "namespace", ev.Namespace, "error", err)
			}
		}
	case ev.Err != nil:
		cmd.Printf("%s %s unreadable: %v\n", ts, ev.Namespace, ev.Err)
	default:
		cmd.Printf("%s %s written, signature ok\n", ts, ev.Namespace)
	}
}
