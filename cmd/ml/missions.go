package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
	"missionline/internal/server"
	missionlinesdk "missionline/sdk/go"
)

func submitCmd() *cobra.Command {
	var agentName string
	var wait bool
	var waitTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Dispatch a mission",
		Long:  "Dispatch a mission. Locally the command waits for the mission to finish; with --server it returns as soon as the mission is accepted unless --wait is set.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if remote() {
				c := sdkClient()
				ctx := cmd.Context()
				ack, err := c.Dispatch(ctx, prompt, agentName)
				if err != nil {
					return err
				}
				if !wait {
					return printDispatched(ack.MissionID, ack.Status)
				}
				if waitTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, waitTimeout)
					defer cancel()
				}
				m, err := c.Wait(ctx, ack.MissionID, 500*time.Millisecond)
				if err != nil {
					return err
				}
				return printRemoteMission(m)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.Dispatch(ctx, engine.DispatchRequest{Prompt: prompt, Agent: agentName})
				if err != nil {
					return err
				}
				if err := waitLocal(ctx, a, m.ID, waitTimeout); err != nil {
					return err
				}
				return printLocalMission(ctx, a, m.ID)
			})
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "agent name (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", false, "with --server, poll until the mission finishes")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "give up waiting after this long")
	return cmd
}

func listCmd() *cobra.Command {
	var status, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				page, err := sdkClient().List(cmd.Context(), missionlinesdk.ListOptions{Status: status, Limit: limit, Cursor: cursor})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				rows := make([]table.Row, 0, len(page.Items))
				for _, m := range page.Items {
					rows = append(rows, table.Row{m.ID, m.Agent, m.Status, m.CreatedAt, stringOrEmpty(m.ErrorMessage)})
				}
				renderMissions(rows, page.NextCursor)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.MissionFilters{Status: domain.MissionStatus(status), Limit: limit}
				if cursor != "" {
					parts := strings.SplitN(cursor, "|", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid cursor %q", cursor)
					}
					f.CursorCreatedAt, f.CursorID = parts[0], parts[1]
				}
				items, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ID, m.Agent, m.Status, m.CreatedAt, stringOrEmpty(m.ErrorMessage)})
				}
				next := ""
				if limit > 0 && len(items) == limit {
					last := items[len(items)-1]
					next = last.CreatedAt + "|" + last.ID
				}
				renderMissions(rows, next)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, executing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func renderMissions(rows []table.Row, next string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Created", "Error"})
	tw.AppendRows(rows)
	tw.Render()
	if next != "" {
		fmt.Println("next cursor:", next)
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission and its progress log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				m, err := sdkClient().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRemoteMission(m)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printLocalMission(ctx, a, args[0])
			})
		},
	}
}

func updatesCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "updates <mission-id>",
		Short: "List progress updates in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []table.Row
			if remote() {
				ups, err := sdkClient().Updates(cmd.Context(), args[0], after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ups)
				}
				for _, u := range ups {
					rows = append(rows, table.Row{u.Seq, u.Timestamp, u.UpdateType, u.Message})
				}
				renderUpdates(rows)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ups, err := a.Engine.MissionUpdates(ctx, args[0], after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ups)
				}
				for _, u := range ups {
					rows = append(rows, table.Row{u.Seq, u.Timestamp, u.UpdateType, u.Message})
				}
				renderUpdates(rows)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only updates with a greater seq")
	cmd.Flags().IntVar(&limit, "limit", 0, "max updates (0 for the default)")
	return cmd
}

func renderUpdates(rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Message"})
	tw.AppendRows(rows)
	tw.Render()
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp missionlinesdk.Agents
			if remote() {
				var err error
				if resp, err = sdkClient().Agents(cmd.Context()); err != nil {
					return err
				}
			} else {
				err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					resp = missionlinesdk.Agents{Default: a.Engine.Agents.Default(), Agents: a.Engine.Agents.Names()}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Default"})
			for _, name := range resp.Agents {
				def := ""
				if name == resp.Default {
					def = "*"
				}
				tw.AppendRow(table.Row{name, def})
			}
			tw.Render()
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, missionID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(ctx, repo.EventFilters{Type: evtType, EntityID: missionID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Mission", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mission counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountMissionsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Missions"})
				for _, s := range domain.AllStatuses {
					tw.AppendRow(table.Row{s, counts[string(s)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := os.Getenv(cfg.Server.JWTSecretEnv)
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("%s is not set", cfg.Server.JWTSecretEnv)
			}
			token, err := server.SignToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			if save {
				path := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(path, "MISSIONLINE_TOKEN", token); err != nil {
					return err
				}
				fmt.Printf("Set MISSIONLINE_TOKEN in %s\n", path)
				return nil
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().BoolVar(&save, "save", false, "write the token to <workspace>/.env as MISSIONLINE_TOKEN")
	return cmd
}

// waitLocal polls until the mission is terminal. A zero timeout waits indefinitely.
func waitLocal(ctx context.Context, a *app.App, id string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		m, err := a.Engine.Get(ctx, id)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("mission %s still %s: %w", id, m.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printDispatched(id, status string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]string{"mission_id": id, "status": status})
	}
	fmt.Printf("mission %s %s\n", id, status)
	return nil
}

func printLocalMission(ctx context.Context, a *app.App, id string) error {
	m, err := a.Engine.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("mission %s not found", id)
		}
		return err
	}
	ups, err := a.Engine.Updates.List(ctx, id)
	if err != nil {
		return err
	}
	remoteUps := make([]missionlinesdk.Update, 0, len(ups))
	for _, u := range ups {
		remoteUps = append(remoteUps, missionlinesdk.Update(u))
	}
	return printRemoteMission(missionlinesdk.Mission{
		ID:           m.ID,
		Prompt:       m.Prompt,
		Agent:        m.Agent,
		Status:       string(m.Status),
		Result:       m.Result,
		ErrorMessage: m.ErrorMessage,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		CompletedAt:  m.CompletedAt,
		Updates:      remoteUps,
	})
}

func printRemoteMission(m missionlinesdk.Mission) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", m.ID})
	tw.AppendRow(table.Row{"Agent", m.Agent})
	tw.AppendRow(table.Row{"Status", m.Status})
	tw.AppendRow(table.Row{"Created", m.CreatedAt})
	tw.AppendRow(table.Row{"Completed", stringOrEmpty(m.CompletedAt)})
	if m.ErrorMessage != nil {
		tw.AppendRow(table.Row{"Error", *m.ErrorMessage})
	}
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{"meta." + k, m.Metadata[k]})
	}
	tw.Render()
	if len(m.Updates) > 0 {
		rows := make([]table.Row, 0, len(m.Updates))
		for _, u := range m.Updates {
			rows = append(rows, table.Row{u.Seq, u.Timestamp, u.UpdateType, u.Message})
		}
		renderUpdates(rows)
	}
	if m.Result != nil {
		fmt.Println()
		fmt.Println(*m.Result)
	}
	return nil
}
