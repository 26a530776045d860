package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

func newRelationshipsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relationships",
		Short: "Manage typed edges between contacts",
	}

	cmd.AddCommand(newRelationshipsAddCmd())
	cmd.AddCommand(newRelationshipsRemoveCmd())
	cmd.AddCommand(newRelationshipsListCmd())

	return cmd
}

func newRelationshipsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <type> <first-id> <second-id>",
		Short: "Add a relationship edge (e.g. IsNot, or a caller-defined type)",
		Args:  cobra.ExactArgs(3),
		RunE:  runRelationshipsAdd,
	}
}

func newRelationshipsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <type> <first-id> <second-id>",
		Short: "Remove a relationship edge",
		Args:  cobra.ExactArgs(3),
		RunE:  runRelationshipsRemove,
	}
}

func newRelationshipsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List relationships, optionally filtered by type or contact id",
		Args:  cobra.NoArgs,
		RunE:  runRelationshipsList,
	}

	cmd.Flags().String("type", "", "restrict to one relationship type")
	cmd.Flags().Int64("id", 0, "restrict to relationships touching one contact id")

	return cmd
}

func parseRelationshipArgs(args []string) (contactsdb.Relationship, error) {
	first, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return contactsdb.Relationship{}, fmt.Errorf("invalid first contact id %q: %w", args[1], err)
	}

	second, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return contactsdb.Relationship{}, fmt.Errorf("invalid second contact id %q: %w", args[2], err)
	}

	return contactsdb.Relationship{
		Type:            contactsdb.RelationshipType(args[0]),
		FirstContactID:  first,
		SecondContactID: second,
	}, nil
}

func runRelationshipsAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	rel, err := parseRelationshipArgs(args)
	if err != nil {
		return err
	}

	errs, err := cc.Store.SaveRelationships(cmd.Context(), []contactsdb.Relationship{rel})
	if err != nil {
		return fmt.Errorf("adding relationship: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("adding relationship: %s", code)
	}

	cc.Statusf("added %s relationship %d -> %d\n", rel.Type, rel.FirstContactID, rel.SecondContactID)

	return nil
}

func runRelationshipsRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	rel, err := parseRelationshipArgs(args)
	if err != nil {
		return err
	}

	errs, err := cc.Store.RemoveRelationships(cmd.Context(), []contactsdb.Relationship{rel})
	if err != nil {
		return fmt.Errorf("removing relationship: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("removing relationship: %s", code)
	}

	cc.Statusf("removed %s relationship %d -> %d\n", rel.Type, rel.FirstContactID, rel.SecondContactID)

	return nil
}

func runRelationshipsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	rawType, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetInt64("id")

	var relType *contactsdb.RelationshipType
	if rawType != "" {
		t := contactsdb.RelationshipType(rawType)
		relType = &t
	}

	var first, second *int64
	if id != 0 {
		first = &id
	}

	rels, err := cc.Store.ReadRelationships(cmd.Context(), relType, first, second)
	if err != nil {
		return fmt.Errorf("listing relationships: %w", err)
	}

	if id != 0 {
		asSecond, err := cc.Store.ReadRelationships(cmd.Context(), relType, nil, &id)
		if err != nil {
			return fmt.Errorf("listing relationships: %w", err)
		}

		rels = append(rels, asSecond...)
	}

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(rels)
	}

	rows := make([][]string, 0, len(rels))
	for _, r := range rels {
		rows = append(rows, []string{
			string(r.Type),
			strconv.FormatInt(r.FirstContactID, 10),
			strconv.FormatInt(r.SecondContactID, 10),
		})
	}

	printTable(os.Stdout, []string{"TYPE", "FIRST", "SECOND"}, rows)

	return nil
}
