// licguardctl inspects and exercises the licguard tamper-evidence store.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"licguard/internal/securestore"
	"licguard/internal/signature"
)

var VERSION = "0.0.0-dev.0"

var rootCmd = &cobra.Command{
	Use:           "licguardctl",
	Version:       VERSION,
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "Inspect and exercise the licguard tamper-evidence store",
	Long: `licguardctl saves and loads encrypted license records, inspects their
tamper-evidence markers, reads the rollback-resistant clock and lists
recorded tamper detections.

The machine key is read from the environment variable named by
records.machine_key_env (LICGUARD_MACHINE_KEY by default) or --machine-key.`,
}

type rootFlags struct {
	configPath string
	namespace  string
	machineKey string
	logLevel   string
}

var rootArgs rootFlags

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "",
		"Path to the config file (TOML, YAML or JSON).")
	rootCmd.PersistentFlags().StringVarP(&rootArgs.namespace, "namespace", "n", "",
		"Record and marker namespace; defaults to project_id from the config.")
	rootCmd.PersistentFlags().StringVar(&rootArgs.machineKey, "machine-key", "",
		"Machine key used to encrypt records; overrides the environment.")
	rootCmd.PersistentFlags().StringVar(&rootArgs.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error).")
	rootCmd.SetOut(os.Stdout)
}

// Exit codes let scripts branch on the load outcome without parsing output.
const (
	exitOK            = 0
	exitFailure       = 1
	exitAbsent        = 2
	exitTampered      = 3
	exitCorrupted     = 4
	exitUnavailable   = 5
	exitConfiguration = 6
)

// errRolledBack is returned by clock check when the system clock is behind
// the stored watermark.
var errRolledBack = errors.New("system clock is behind the stored watermark")

// errSignatureInvalid is returned by signature verify on a bad signature.
var errSignatureInvalid = errors.New("signature does not verify")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errRolledBack), errors.Is(err, errSignatureInvalid):
		return exitTampered
	case errors.Is(err, signature.ErrConfiguration), errors.Is(err, signature.ErrInvalidKey),
		errors.Is(err, signature.ErrUnsupportedKey):
		return exitConfiguration
	}

	switch securestore.Classify(err) {
	case securestore.OutcomeAbsent:
		return exitAbsent
	case securestore.OutcomeTampered:
		return exitTampered
	case securestore.OutcomeCorrupted:
		return exitCorrupted
	case securestore.OutcomeConfigurationError:
		return exitConfiguration
	case securestore.OutcomeUnavailable:
		if errors.Is(err, securestore.ErrUnavailable) {
			return exitUnavailable
		}
	}
	return exitFailure
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrf("✗ %v\n", err)
		os.Exit(exitCode(err))
	}
}
