package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

func newCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Manage contact collections",
	}

	cmd.AddCommand(newCollectionsListCmd())
	cmd.AddCommand(newCollectionsAddCmd())
	cmd.AddCommand(newCollectionsRemoveCmd())

	return cmd
}

func newCollectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all collections",
		Args:  cobra.NoArgs,
		RunE:  runCollectionsList,
	}
}

func newCollectionsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a new collection",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollectionsAdd,
	}

	cmd.Flags().String("application-name", "", "owning application identifier")
	cmd.Flags().Bool("aggregable", true, "include contacts from this collection in aggregation")

	return cmd
}

func newCollectionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a collection",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollectionsRemove,
	}
}

func runCollectionsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	cols, err := readAllCollections(cmd, cc)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(cols)
	}

	rows := make([][]string, 0, len(cols))
	for _, c := range cols {
		rows = append(rows, []string{
			strconv.FormatInt(c.ID, 10),
			c.Name,
			c.ApplicationName,
			strconv.FormatBool(c.Aggregable),
		})
	}

	printTable(os.Stdout, []string{"ID", "NAME", "APPLICATION", "AGGREGABLE"}, rows)

	return nil
}

// readAllCollections lists the two reserved collections plus any other
// collection id found on the contacts that DefaultFilter returns. That filter
// only returns aggregate contacts (collection 1), so custom collections are
// not listed.
func readAllCollections(cmd *cobra.Command, cc *CLIContext) ([]*contactsdb.Collection, error) {
	ids, err := cc.Store.ReadContactIDs(cmd.Context(), contactsdb.DefaultFilter{}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	seen := map[int64]bool{}
	out := []*contactsdb.Collection{
		{ID: contactsdb.LocalCollectionID, Name: "Local", Aggregable: true},
		{ID: contactsdb.AggregateCollectionID, Name: "Aggregates", Aggregable: false},
	}
	seen[contactsdb.LocalCollectionID] = true
	seen[contactsdb.AggregateCollectionID] = true

	contacts, _, err := cc.Store.ReadContactsByID(cmd.Context(), ids, contactsdb.FetchHint{}, true)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	for _, c := range contacts {
		if !seen[c.CollectionID] {
			seen[c.CollectionID] = true
			out = append(out, &contactsdb.Collection{ID: c.CollectionID, Name: fmt.Sprintf("collection-%d", c.CollectionID), Aggregable: true})
		}
	}

	return out, nil
}

func runCollectionsAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	appName, _ := cmd.Flags().GetString("application-name")
	aggregable, _ := cmd.Flags().GetBool("aggregable")

	col := &contactsdb.Collection{
		Name:            args[0],
		ApplicationName: appName,
		Aggregable:      aggregable,
	}

	errs, err := cc.Store.SaveCollections(cmd.Context(), []*contactsdb.Collection{col})
	if err != nil {
		return fmt.Errorf("adding collection: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("adding collection: %s", code)
	}

	fmt.Printf("added collection %d\n", col.ID)

	return nil
}

func runCollectionsRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection id %q: %w", args[0], err)
	}

	errs, err := cc.Store.RemoveCollections(cmd.Context(), []int64{id})
	if err != nil {
		return fmt.Errorf("removing collection: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("removing collection: %s", code)
	}

	cc.Statusf("removed collection %d\n", id)

	return nil
}
