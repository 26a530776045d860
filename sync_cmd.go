package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/config"
	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drive a sync adapter's fetch/update cycle for one collection",
	}

	cmd.AddCommand(newSyncFetchCmd())
	cmd.AddCommand(newSyncUpdateCmd())
	cmd.AddCommand(newSyncWatchCmd())
	cmd.AddCommand(newSyncReloadCmd())

	return cmd
}

func newSyncFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <collection-id>",
		Short: "Enumerate aggregates touched since a timestamp",
		Long: `Print the aggregates updated, added, or deleted in <collection-id>
since --since (Unix seconds). Each invocation reports the high-water mark
(maxTimestamp) a caller should pass as --since on the next call.`,
		Args: cobra.ExactArgs(1),
		RunE: runSyncFetch,
	}

	cmd.Flags().Int64("since", 0, "Unix timestamp of the last successful fetch")
	cmd.Flags().Int64Slice("exported", nil, "aggregate ids previously exported to this collection")

	return cmd
}

func newSyncUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <collection-id>",
		Short: "Apply a batch of sync pairs from a JSON file",
		Long: `Reads a JSON array of {"old": <contact-or-null>, "new": <contact-or-null>}
pairs from --file (or stdin) and applies them against <collection-id>,
resolving conflicts per --conflict-policy.`,
		Args: cobra.ExactArgs(1),
		RunE: runSyncUpdate,
	}

	cmd.Flags().String("file", "", "path to the JSON pairs file (default: stdin)")
	cmd.Flags().String("conflict-policy", "local", `"local" or "remote"`)

	return cmd
}

func runSyncFetch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	collectionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection id %q: %w", args[0], err)
	}

	since, _ := cmd.Flags().GetInt64("since")
	exported, _ := cmd.Flags().GetInt64Slice("exported")

	updated, added, deleted, maxTS, err := cc.Store.SyncFetch(cmd.Context(), collectionID, since, exported)
	if err != nil {
		return fmt.Errorf("sync fetch: %w", err)
	}

	result := struct {
		Updated      []*contactsdb.Contact `json:"updated"`
		Added        []*contactsdb.Contact `json:"added"`
		Deleted      []int64               `json:"deleted"`
		MaxTimestamp int64                 `json:"max_timestamp"`
	}{updated, added, deleted, maxTS}

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	cc.Statusf("updated=%d added=%d deleted=%d maxTimestamp=%d\n",
		len(updated), len(added), len(deleted), maxTS)

	return nil
}

func runSyncUpdate(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	collectionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection id %q: %w", args[0], err)
	}

	policyFlag, _ := cmd.Flags().GetString("conflict-policy")

	var policy contactsdb.ConflictPolicy

	switch policyFlag {
	case "local", "":
		policy = contactsdb.PreserveLocalChanges
	case "remote":
		policy = contactsdb.PreserveRemoteChanges
	default:
		return fmt.Errorf("invalid --conflict-policy %q: expected \"local\" or \"remote\"", policyFlag)
	}

	filePath, _ := cmd.Flags().GetString("file")

	in := os.Stdin

	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("sync update: %w", err)
		}
		defer f.Close()

		in = f
	}

	var rawPairs []struct {
		Old *contactsdb.Contact `json:"old"`
		New *contactsdb.Contact `json:"new"`
	}

	if err := json.NewDecoder(in).Decode(&rawPairs); err != nil {
		return fmt.Errorf("sync update: decoding pairs: %w", err)
	}

	pairs := make([]contactsdb.SyncPair, 0, len(rawPairs))
	for _, p := range rawPairs {
		pairs = append(pairs, contactsdb.SyncPair{Old: p.Old, New: p.New})
	}

	errs, err := cc.Store.SyncUpdate(cmd.Context(), collectionID, policy, pairs)
	if err != nil {
		return fmt.Errorf("sync update: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("sync update: %s", code)
	}

	cc.Statusf("applied %d sync pair(s)\n", len(pairs))

	return nil
}

func newSyncWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <collection-id>",
		Short: "Poll for changes and print each fetch result until interrupted",
		Long: `Repeatedly calls fetch on an interval, printing each non-empty
result as one JSON line. Acquires a PID file under the data directory so
only one watcher runs per collection at a time. Stops cleanly on SIGINT/SIGTERM.`,
		Args: cobra.ExactArgs(1),
		RunE: runSyncWatch,
	}

	cmd.Flags().Duration("interval", 30*time.Second, "poll interval")

	return cmd
}

func runSyncWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	collectionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection id %q: %w", args[0], err)
	}

	interval, _ := cmd.Flags().GetDuration("interval")

	pidPath := syncWatchPIDPath(cc.Flags.DataDir, collectionID)

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("sync watch: %w", err)
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(reloadCh)

	var since int64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updated, added, deleted, maxTS, err := cc.Store.SyncFetch(ctx, collectionID, since, nil)
		if err != nil {
			cc.Logger.Error("sync watch fetch failed", "error", err)
		} else if len(updated)+len(added)+len(deleted) > 0 {
			line := struct {
				Updated []*contactsdb.Contact `json:"updated"`
				Added   []*contactsdb.Contact `json:"added"`
				Deleted []int64               `json:"deleted"`
			}{updated, added, deleted}

			if encErr := json.NewEncoder(os.Stdout).Encode(line); encErr != nil {
				cc.Logger.Error("sync watch encoding failed", "error", encErr)
			}

			since = maxTS
		}

		select {
		case <-ctx.Done():
			cc.Statusf("sync watch: stopped\n")
			return nil
		case <-reloadCh:
			cc.Logger.Info("sync watch: received SIGHUP, polling immediately")
		case <-ticker.C:
		}
	}
}

// syncWatchPIDPath returns the PID file path a "sync watch" daemon for
// collectionID registers under dataDir, used both by runSyncWatch and
// runSyncReload to locate the running daemon.
func syncWatchPIDPath(dataDir string, collectionID int64) string {
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	return filepath.Join(dataDir, fmt.Sprintf("sync-watch-%d.pid", collectionID))
}

func newSyncReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <collection-id>",
		Short: "Signal a running \"sync watch\" daemon to poll immediately",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncReload,
	}
}

func runSyncReload(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	collectionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection id %q: %w", args[0], err)
	}

	pidPath := syncWatchPIDPath(cc.Flags.DataDir, collectionID)

	if err := sendSIGHUP(pidPath); err != nil {
		return fmt.Errorf("sync reload: %w", err)
	}

	cc.Statusf("notified sync watch daemon for collection %d\n", collectionID)

	return nil
}
