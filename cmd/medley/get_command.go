package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacentio/medley/entity"
)

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a stored item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			item, err := engine.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, item.ToDocument())
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEntity(item))
			return nil
		},
	}
}

// renderEntity prints an item's identity followed by its canonical values
// and the source each was taken from.
func renderEntity(item *entity.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (rev %s)\n", item.Type(), item.ID, item.Revision)
	fmt.Fprintf(&b, "Path:    %s\n", item.PathKey())
	if !item.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Updated: %s\n", item.UpdatedAt.Format(time.RFC3339))
	}
	for _, p := range item.Relations() {
		fmt.Fprintf(&b, "%s: %s %s\n", p.Type(), p.ID, p.Title())
	}

	keys := item.Keys()
	sources := make([]string, 0, len(keys))
	for src := range keys {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		fmt.Fprintf(&b, "Keys:    %s %s\n", src, formatIDs(keys[src]))
	}

	values := item.Values()
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		src, _, _ := item.Provenance(f)
		rows = append(rows, []string{f, fmt.Sprint(values[f]), src})
	}
	b.WriteString(renderTable([]string{"Field", "Value", "Source"}, rows, nil))
	return b.String()
}

func formatIDs(ids map[string]string) string {
	names := make([]string, 0, len(ids))
	for f := range ids {
		names = append(names, f)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, f := range names {
		parts = append(parts, f+"="+ids[f])
	}
	return strings.Join(parts, " ")
}
