package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/qtcontacts-sqlite/internal/contactsdb"
)

func newContactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage contacts",
	}

	cmd.AddCommand(newContactsListCmd())
	cmd.AddCommand(newContactsShowCmd())
	cmd.AddCommand(newContactsAddCmd())
	cmd.AddCommand(newContactsUpdateCmd())
	cmd.AddCommand(newContactsRemoveCmd())

	return cmd
}

func newContactsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts matching a filter",
		Long: `List contacts. --filter and --sort accept a small DSL of
"Kind.Field=value" (filter, repeatable, ANDed) and "Kind.Field[:desc]"
(sort, repeatable, applied in order). Kind/Field names match the detail
kind and field names used internally (e.g. Name.FirstName, PhoneNumber.PhoneNumber).`,
		Args: cobra.NoArgs,
		RunE: runContactsList,
	}

	cmd.Flags().StringArray("filter", nil, `detail filter, "Kind.Field=value"`)
	cmd.Flags().StringArray("sort", nil, `sort term, "Kind.Field" or "Kind.Field:desc"`)
	cmd.Flags().Int64("collection", 0, "restrict to one collection id")
	cmd.Flags().Int("limit", 0, "maximum number of contacts to return (0 = unlimited)")

	return cmd
}

func newContactsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contact's full detail set",
		Args:  cobra.ExactArgs(1),
		RunE:  runContactsShow,
	}
}

func newContactsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact to the Local collection",
		Args:  cobra.NoArgs,
		RunE:  runContactsAdd,
	}

	bindContactFieldFlags(cmd)

	return cmd
}

func newContactsUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a contact's details",
		Args:  cobra.ExactArgs(1),
		RunE:  runContactsUpdate,
	}

	bindContactFieldFlags(cmd)

	return cmd
}

func newContactsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id> [id...]",
		Short: "Remove one or more contacts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runContactsRemove,
	}
}

func bindContactFieldFlags(cmd *cobra.Command) {
	cmd.Flags().String("first-name", "", "given name")
	cmd.Flags().String("last-name", "", "family name")
	cmd.Flags().String("nickname", "", "nickname")
	cmd.Flags().StringArray("phone", nil, "phone number (repeatable)")
	cmd.Flags().StringArray("email", nil, "email address (repeatable)")
	cmd.Flags().Bool("favorite", false, "mark as favorite")
	cmd.Flags().Int64("collection", contactsdb.LocalCollectionID, "owning collection id")
}

func runContactsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	rawFilters, _ := cmd.Flags().GetStringArray("filter")
	rawSorts, _ := cmd.Flags().GetStringArray("sort")
	collection, _ := cmd.Flags().GetInt64("collection")
	limit, _ := cmd.Flags().GetInt("limit")

	filter, err := buildFilter(rawFilters, collection)
	if err != nil {
		return err
	}

	orders, err := buildSortOrders(rawSorts)
	if err != nil {
		return err
	}

	ids, err := cc.Store.ReadContactIDs(cmd.Context(), filter, orders)
	if err != nil {
		return fmt.Errorf("listing contacts: %w", err)
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	contacts, batchErrs, err := cc.Store.ReadContactsByID(cmd.Context(), ids, contactsdb.FetchHint{}, true)
	if err != nil {
		return fmt.Errorf("listing contacts: %w", err)
	}

	if code := batchErrs.Worst(); code != contactsdb.NoError {
		cc.Logger.Warn("some contacts could not be loaded", "worst_error", code.String())
	}

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(contacts)
	}

	rows := make([][]string, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, []string{
			strconv.FormatInt(c.ID, 10),
			strconv.FormatInt(c.CollectionID, 10),
			displayLabelOf(c),
		})
	}

	printTable(os.Stdout, []string{"ID", "COLLECTION", "DISPLAY LABEL"}, rows)

	return nil
}

func displayLabelOf(c *contactsdb.Contact) string {
	if d := c.DetailOfKind(contactsdb.KindDisplayLabel); d != nil {
		if v, ok := d.Fields["Label"].(string); ok {
			return v
		}
	}

	return ""
}

func runContactsShow(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid contact id %q: %w", args[0], err)
	}

	contacts, batchErrs, err := cc.Store.ReadContactsByID(cmd.Context(), []int64{id}, contactsdb.FetchHint{}, false)
	if err != nil {
		return fmt.Errorf("reading contact: %w", err)
	}

	if code, ok := batchErrs[0]; ok {
		return fmt.Errorf("reading contact %d: %s", id, code)
	}

	if len(contacts) == 0 {
		return fmt.Errorf("reading contact %d: %s", id, contactsdb.DoesNotExist)
	}

	c := contacts[0]

	if cc.Flags.JSON {
		return json.NewEncoder(os.Stdout).Encode(c)
	}

	fmt.Printf("contact %d (collection %d)\n", c.ID, c.CollectionID)

	for _, d := range c.Details {
		fmt.Printf("  %-16s %v\n", d.Kind, d.Fields)
	}

	return nil
}

func runContactsAdd(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	c, err := contactFromFlags(cmd, nil)
	if err != nil {
		return err
	}

	errs, err := cc.Store.SaveContacts(cmd.Context(), []*contactsdb.Contact{c}, nil)
	if err != nil {
		return fmt.Errorf("adding contact: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("adding contact: %s", code)
	}

	fmt.Printf("added contact %d\n", c.ID)

	return nil
}

func runContactsUpdate(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid contact id %q: %w", args[0], err)
	}

	existing, batchErrs, err := cc.Store.ReadContactsByID(cmd.Context(), []int64{id}, contactsdb.FetchHint{KeepChangeFlags: true}, false)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}

	if code, ok := batchErrs[0]; ok {
		return fmt.Errorf("updating contact %d: %s", id, code)
	}

	if len(existing) == 0 {
		return fmt.Errorf("updating contact %d: %s", id, contactsdb.DoesNotExist)
	}

	c, err := contactFromFlags(cmd, existing[0])
	if err != nil {
		return err
	}

	errs, err := cc.Store.SaveContacts(cmd.Context(), []*contactsdb.Contact{c}, nil)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("updating contact: %s", code)
	}

	cc.Statusf("updated contact %d\n", c.ID)

	return nil
}

// contactFromFlags builds (or mutates, when base is non-nil) a Contact from
// the bindContactFieldFlags set. Only flags the caller explicitly set are
// applied when base is non-nil, so an update never clobbers untouched details.
func contactFromFlags(cmd *cobra.Command, base *contactsdb.Contact) (*contactsdb.Contact, error) {
	c := base
	if c == nil {
		collection, _ := cmd.Flags().GetInt64("collection")
		c = &contactsdb.Contact{CollectionID: collection}
	}

	flagsSet := cmd.Flags()

	if flagsSet.Changed("first-name") || flagsSet.Changed("last-name") || flagsSet.Changed("nickname") {
		first, _ := flagsSet.GetString("first-name")
		last, _ := flagsSet.GetString("last-name")

		name := c.DetailOfKind(contactsdb.KindName)
		if name == nil {
			name = &contactsdb.Detail{Kind: contactsdb.KindName, Fields: map[string]any{}}
			c.Details = append(c.Details, name)
		}

		if flagsSet.Changed("first-name") {
			name.Fields["FirstName"] = first
		}

		if flagsSet.Changed("last-name") {
			name.Fields["LastName"] = last
		}

		if flagsSet.Changed("nickname") {
			nick, _ := flagsSet.GetString("nickname")
			nd := c.DetailOfKind(contactsdb.KindNickname)
			if nd == nil {
				nd = &contactsdb.Detail{Kind: contactsdb.KindNickname, Fields: map[string]any{}}
				c.Details = append(c.Details, nd)
			}

			nd.Fields["Nickname"] = nick
		}
	}

	if flagsSet.Changed("phone") {
		phones, _ := flagsSet.GetStringArray("phone")
		c.Details = withoutKind(c.Details, contactsdb.KindPhoneNumber)

		for _, p := range phones {
			c.Details = append(c.Details, &contactsdb.Detail{
				Kind:   contactsdb.KindPhoneNumber,
				Fields: map[string]any{"PhoneNumber": p},
			})
		}
	}

	if flagsSet.Changed("email") {
		emails, _ := flagsSet.GetStringArray("email")
		c.Details = withoutKind(c.Details, contactsdb.KindEmailAddress)

		for _, e := range emails {
			c.Details = append(c.Details, &contactsdb.Detail{
				Kind:   contactsdb.KindEmailAddress,
				Fields: map[string]any{"EmailAddress": e},
			})
		}
	}

	if flagsSet.Changed("favorite") {
		fav, _ := flagsSet.GetBool("favorite")
		fd := c.DetailOfKind(contactsdb.KindFavorite)
		if fd == nil {
			fd = &contactsdb.Detail{Kind: contactsdb.KindFavorite, Fields: map[string]any{}}
			c.Details = append(c.Details, fd)
		}

		fd.Fields["IsFavorite"] = fav
	}

	return c, nil
}

func withoutKind(details []*contactsdb.Detail, kind contactsdb.DetailKind) []*contactsdb.Detail {
	out := details[:0:0]

	for _, d := range details {
		if d.Kind != kind {
			out = append(out, d)
		}
	}

	return out
}

func runContactsRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	ids := make([]int64, 0, len(args))

	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid contact id %q: %w", a, err)
		}

		ids = append(ids, id)
	}

	errs, err := cc.Store.RemoveContacts(cmd.Context(), ids)
	if err != nil {
		return fmt.Errorf("removing contacts: %w", err)
	}

	if code := errs.Worst(); code != contactsdb.NoError {
		return fmt.Errorf("removing contacts: %s", code)
	}

	cc.Statusf("removed %d contact(s)\n", len(ids))

	return nil
}

// buildFilter parses the --filter DSL ("Kind.Field=value", ANDed) into a
// compiled Filter tree, optionally intersected with a collection restriction.
func buildFilter(raw []string, collection int64) (contactsdb.Filter, error) {
	var children []contactsdb.Filter

	for _, term := range raw {
		kindField, value, ok := strings.Cut(term, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --filter %q: expected Kind.Field=value", term)
		}

		kind, field, ok := strings.Cut(kindField, ".")
		if !ok {
			return nil, fmt.Errorf("invalid --filter %q: expected Kind.Field=value", term)
		}

		children = append(children, contactsdb.DetailEqualsFilter{
			Kind:  contactsdb.DetailKind(kind),
			Field: field,
			Value: value,
			Match: contactsdb.MatchExact,
		})
	}

	if collection != 0 {
		children = append(children, contactsdb.CollectionFilter{CollectionIDs: []int64{collection}})
	}

	switch len(children) {
	case 0:
		return contactsdb.DefaultFilter{}, nil
	case 1:
		return children[0], nil
	default:
		return contactsdb.IntersectionFilter{Children: children}, nil
	}
}

// buildSortOrders parses the --sort DSL ("Kind.Field" or "Kind.Field:desc").
func buildSortOrders(raw []string) ([]contactsdb.SortOrder, error) {
	orders := make([]contactsdb.SortOrder, 0, len(raw))

	for _, term := range raw {
		spec, desc := term, false
		if rest, ok := strings.CutSuffix(term, ":desc"); ok {
			spec, desc = rest, true
		}

		kind, field, ok := strings.Cut(spec, ".")
		if !ok {
			return nil, fmt.Errorf("invalid --sort %q: expected Kind.Field[:desc]", term)
		}

		orders = append(orders, contactsdb.SortOrder{
			Kind:       contactsdb.DetailKind(kind),
			Field:      field,
			Descending: desc,
		})
	}

	return orders, nil
}
