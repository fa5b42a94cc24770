package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/reconcile"
)

type relationOutcome struct {
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created"`
	Updated bool   `json:"updated"`
	Error   string `json:"error,omitempty"`
}

type upsertOutput struct {
	ID        string                          `json:"id"`
	Type      entity.Type                     `json:"type"`
	Created   bool                            `json:"created"`
	Updated   bool                            `json:"updated"`
	Relations map[entity.Type]relationOutcome `json:"relations,omitempty"`
	Document  map[string]any                  `json:"document"`
}

func newUpsertCommand(ctx *commandContext) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "upsert FILE",
		Short: "Upsert a single item and its relations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var obj map[string]any
			if err := json.Unmarshal(data, &obj); err != nil {
				return fmt.Errorf("%w: %w", entity.ErrDecode, err)
			}
			item, err := entity.FromPlainObjectFor(source, obj)
			if err != nil {
				return err
			}

			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			res, err := engine.UpsertTree(cmd.Context(), item)
			if err != nil {
				return err
			}
			out := newUpsertOutput(res)
			if ctx.jsonOutput {
				return writeJSON(cmd, out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderUpsert(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Default source for fields without one")
	return cmd
}

func newUpsertOutput(res reconcile.TreeResult) upsertOutput {
	out := upsertOutput{
		ID:        res.Item.ID,
		Type:      res.Item.Type(),
		Created:   res.Created,
		Updated:   res.Updated,
		Relations: map[entity.Type]relationOutcome{},
		Document:  res.Item.ToDocument(),
	}
	for _, rel := range entity.Parents(res.Item.Type()) {
		o := relationOutcome{
			Created: res.Children.Created[rel],
			Updated: res.Children.Updated[rel],
		}
		if err := res.Children.Ignored[rel]; err != nil {
			o.Error = err.Error()
		}
		if p := res.Item.Parent(rel); p != nil {
			o.ID = p.ID
		} else if o.Error == "" {
			continue
		}
		out.Relations[rel] = o
	}
	return out
}

func renderUpsert(out upsertOutput) string {
	headers := []string{"Type", "ID", "Outcome"}
	var rows [][]string
	for _, rel := range entity.Parents(out.Type) {
		o, ok := out.Relations[rel]
		if !ok {
			continue
		}
		rows = append(rows, []string{string(rel), o.ID, outcomeLabel(o.Created, o.Updated, o.Error)})
	}
	rows = append(rows, []string{string(out.Type), out.ID, outcomeLabel(out.Created, out.Updated, "")})
	return renderTable(headers, rows, nil)
}

func outcomeLabel(created, updated bool, errText string) string {
	switch {
	case errText != "":
		return "ignored: " + errText
	case created:
		return "created"
	case updated:
		return "updated"
	default:
		return "unchanged"
	}
}
