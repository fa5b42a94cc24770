package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/store"
)

func newFindCommand(ctx *commandContext) *cobra.Command {
	var typeName string
	var keyFlags []string
	var limit int

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find stored items by type and source keys",
		Example: `  medley find --type album
  medley find --type track --key plex.ratingKey=1234`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildQuery(typeName, keyFlags, limit)
			if err != nil {
				return err
			}
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			items, err := engine.Find(cmd.Context(), q)
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				docs := make([]map[string]any, 0, len(items))
				for _, item := range items {
					docs = append(docs, item.ToDocument())
				}
				return writeJSON(cmd, docs)
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{item.ID, string(item.Type()), item.Title(), item.PathKey()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Type", "Title", "Path"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", "", "Entity type")
	cmd.Flags().StringArrayVarP(&keyFlags, "key", "k", nil, "Source key as source.field=value (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of items (0 for no limit)")
	return cmd
}

func buildQuery(typeName string, keyFlags []string, limit int) (store.Query, error) {
	sel := store.Selector{}
	if typeName != "" {
		t, err := entity.ParseType(typeName)
		if err != nil {
			return store.Query{}, err
		}
		sel[store.FieldType] = store.Eq(string(t))
	}
	for _, kv := range keyFlags {
		path, value, ok := strings.Cut(kv, "=")
		source, field, dotted := strings.Cut(path, ".")
		if !ok || !dotted || source == "" || field == "" || value == "" {
			return store.Query{}, fmt.Errorf("invalid key %q: want source.field=value", kv)
		}
		sel[entity.KeyPath(source, field)] = store.Eq(value)
	}
	if len(sel) == 0 {
		return store.Query{}, errors.New("find needs --type or at least one --key")
	}
	return store.Query{Selector: sel, Limit: limit}, nil
}
