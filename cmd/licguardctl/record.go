package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"licguard/internal/securestore"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Save, load and delete encrypted records",
}

var recordSaveCmd = &cobra.Command{
	Use:   "save NAME [VALUE]",
	Short: "Encrypt VALUE (or --file, or stdin) and store it as NAME",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  recordSaveCmdRun,
}

var recordLoadCmd = &cobra.Command{
	Use:   "load NAME",
	Short: "Verify and decrypt the record NAME",
	Long: `Verify and decrypt the record NAME.

The exit code reports the outcome: 0 ok, 2 absent, 3 tampered, 4 corrupted,
5 unavailable, 6 configuration error.`,
	Args: cobra.ExactArgs(1),
	RunE: recordLoadCmdRun,
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove the record file for NAME; its markers are kept",
	Args:  cobra.ExactArgs(1),
	RunE:  recordDeleteCmdRun,
}

var recordExistsCmd = &cobra.Command{
	Use:   "exists NAME",
	Short: "Report whether a record file exists for NAME",
	Args:  cobra.ExactArgs(1),
	RunE:  recordExistsCmdRun,
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored record names",
	Args:  cobra.NoArgs,
	RunE:  recordListCmdRun,
}

type recordSaveFlags struct {
	file string
}

var recordSaveArgs recordSaveFlags

func init() {
	recordSaveCmd.Flags().StringVarP(&recordSaveArgs.file, "file", "f", "",
		"Read the plaintext from this file ('-' for stdin).")

	recordCmd.AddCommand(recordSaveCmd, recordLoadCmd, recordDeleteCmd, recordExistsCmd, recordListCmd)
	rootCmd.AddCommand(recordCmd)
}

func readPlaintext(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case len(args) == 2 && recordSaveArgs.file != "":
		return "", fmt.Errorf("%w: give either VALUE or --file", securestore.ErrConfiguration)
	case len(args) == 2:
		return args[1], nil
	case recordSaveArgs.file == "" || recordSaveArgs.file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(recordSaveArgs.file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", recordSaveArgs.file, err)
		}
		return string(data), nil
	}
}

func recordSaveCmdRun(cmd *cobra.Command, args []string) error {
	plaintext, err := readPlaintext(cmd, args)
	if err != nil {
		return err
	}

	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	key, err := e.requireMachineKey()
	if err != nil {
		return err
	}
	if err := e.store.Save(args[0], plaintext, key, e.namespace); err != nil {
		return err
	}

	cmd.Printf("✔ saved %s in namespace %s\n", args[0], e.namespace)
	return nil
}

func recordLoadCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	key, err := e.requireMachineKey()
	if err != nil {
		return err
	}
	plaintext, err := e.store.Load(args[0], key, e.namespace)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), plaintext)
	return err
}

func recordDeleteCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.store.Delete(args[0], e.namespace); err != nil {
		return err
	}
	cmd.Printf("✔ deleted %s (markers kept)\n", args[0])
	return nil
}

func recordExistsCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	cmd.Println(e.store.Exists(args[0], e.namespace))
	return nil
}

func recordListCmdRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	names, err := e.store.Names(e.namespace)
	if err != nil {
		return err
	}
	for _, name := range names {
		cmd.Println(name)
	}
	return nil
}
