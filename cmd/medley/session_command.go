package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/session"
)

// sessionLine is one newline-delimited session update.
type sessionLine struct {
	Client   string         `json:"client"`
	Source   string         `json:"source"`
	Session  string         `json:"sessionId"`
	State    string         `json:"state"`
	Progress float64        `json:"progressSeconds"`
	Item     map[string]any `json:"item"`
}

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var source string
	var client string

	cmd := &cobra.Command{
		Use:   "session FILE",
		Short: "Replay newline-delimited session updates",
		Long: `Session reads one JSON update per line ("-" for stdin), reconciles the playing
item and publishes session.created or session.updated for each.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			notifier, err := ctx.ensureNotifier()
			if err != nil {
				return err
			}
			tracker := session.NewTracker(engine, notifier, ctx.logger)

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}

			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
			var rows [][]string
			var sessions []session.Session
			for n := 1; scanner.Scan(); n++ {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				u, err := parseSessionLine([]byte(line), source, client)
				if err != nil {
					return fmt.Errorf("line %d: %w", n, err)
				}
				s, err := tracker.Update(cmd.Context(), u)
				if err != nil {
					return fmt.Errorf("line %d: %w", n, err)
				}
				sessions = append(sessions, s)
				rows = append(rows, []string{s.ID, string(s.State), fmt.Sprintf("%.0fs", s.Progress), u.Item.ID, u.Item.Title()})
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, sessions)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Session", "State", "Progress", "Item", "Title"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source for updates that do not name one")
	cmd.Flags().StringVar(&client, "client", "cli", "Client for updates that do not name one")
	return cmd
}

func parseSessionLine(data []byte, source, client string) (session.Update, error) {
	var l sessionLine
	if err := json.Unmarshal(data, &l); err != nil {
		return session.Update{}, fmt.Errorf("%w: %w", entity.ErrDecode, err)
	}
	if l.Source == "" {
		l.Source = source
	}
	if l.Client == "" {
		l.Client = client
	}
	item, err := entity.FromPlainObjectFor(l.Source, l.Item)
	if err != nil {
		return session.Update{}, err
	}
	return session.Update{
		Client:    l.Client,
		Source:    l.Source,
		SessionID: l.Session,
		State:     session.State(l.State),
		Progress:  time.Duration(l.Progress * float64(time.Second)),
		Item:      item,
	}, nil
}
