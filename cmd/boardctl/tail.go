package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/boardsync/internal/boardclient"
	"github.com/ashureev/boardsync/internal/domain"
)

func newTailCmd(cfg *viper.Viper) *cobra.Command {
	var (
		projectID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Join a project room and print every event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			client, err := boardclient.Dial(ctx, s.wsURL(), s.token, nil)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			fmt.Fprintf(cmd.OutOrStdout(), "connected as %s (%s)\n", client.UserID(), client.ConnID())
			if err := client.Join(ctx, projectID); err != nil {
				return err
			}

			board := boardclient.NewBoard(projectID)
			seen := 0
			err = client.Run(ctx, board, func(ev domain.Event) {
				if ctx.Err() != nil {
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
				seen++
				if limit > 0 && seen >= limit {
					cancel()
				}
			})
			if limit > 0 && seen >= limit {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&limit, "limit", 0, "exit after this many events (0 = unlimited)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func formatEvent(ev domain.Event) string {
	line := fmt.Sprintf("%s %-16s", ev.TS.Format(time.RFC3339Nano), ev.Type)
	if ev.UserID != "" {
		line += " user=" + ev.UserID
	}
	if len(ev.Data) > 0 {
		line += " " + string(ev.Data)
	}
	return line
}
