package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

func newOOBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oob",
		Short: "Read and write out-of-band scoped key/value entries",
	}

	cmd.AddCommand(newOOBGetCmd())
	cmd.AddCommand(newOOBPutCmd())
	cmd.AddCommand(newOOBListCmd())
	cmd.AddCommand(newOOBRemoveCmd())

	return cmd
}

func newOOBGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <scope> <key>",
		Short: "Print one OOB value to stdout",
		Args:  cobra.ExactArgs(2),
		RunE:  runOOBGet,
	}
}

func newOOBPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <scope> <key>",
		Short: "Write one OOB value from stdin, a file, or an inline string",
		Args:  cobra.ExactArgs(2),
		RunE:  runOOBPut,
	}

	cmd.Flags().String("file", "", "read the value from this file instead of stdin")
	cmd.Flags().String("value", "", "inline string value (mutually exclusive with --file)")
	cmd.Flags().Bool("string", true, "treat the value as a UTF-8 string rather than opaque bytes")
	cmd.MarkFlagsMutuallyExclusive("file", "value")

	return cmd
}

func newOOBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <scope>",
		Short: "List keys stored under a scope",
		Args:  cobra.ExactArgs(1),
		RunE:  runOOBList,
	}
}

func newOOBRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <scope> [key]",
		Short: "Remove one key, or the whole scope when key is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runOOBRemove,
	}
}

func runOOBGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	entries, err := cc.Store.FetchOOB(cmd.Context(), args[0], []string{args[1]})
	if err != nil {
		return fmt.Errorf("oob get: %w", err)
	}

	entry, ok := entries[args[1]]
	if !ok {
		return fmt.Errorf("oob get: %s", contactsdb.DoesNotExist)
	}

	_, err = os.Stdout.Write(entry.Value)

	return err
}

func runOOBPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	filePath, _ := cmd.Flags().GetString("file")
	inline, _ := cmd.Flags().GetString("value")
	isString, _ := cmd.Flags().GetBool("string")

	var value []byte

	switch {
	case cmd.Flags().Changed("value"):
		value = []byte(inline)
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("oob put: %w", err)
		}

		value = data
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("oob put: reading stdin: %w", err)
		}

		value = data
	}

	errs, err := cc.Store.StoreOOB(cmd.Context(), args[0], map[string]contactsdb.OOBEntry{
		args[1]: {Scope: args[0], Key: args[1], Value: value, IsString: isString},
	})
	if err != nil {
		return fmt.Errorf("oob put: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("oob put: %s", code)
	}

	cc.Statusf("stored %s/%s (%s)\n", args[0], args[1], formatSize(int64(len(value))))

	return nil
}

func runOOBList(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	keys, err := cc.Store.FetchOOBKeys(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("oob list: %w", err)
	}

	for _, k := range keys {
		fmt.Println(k)
	}

	return nil
}

func runOOBRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	var keys []string
	if len(args) == 2 {
		keys = []string{args[1]}
	}

	if err := cc.Store.RemoveOOB(cmd.Context(), args[0], keys); err != nil {
		return fmt.Errorf("oob remove: %w", err)
	}

	cc.Statusf("removed %s\n", args[0])

	return nil
}
