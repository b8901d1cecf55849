package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/boardsync/internal/boardclient"
	"github.com/ashureev/boardsync/internal/domain"
)

func newRosterCmd(cfg *viper.Viper) *cobra.Command {
	var (
		projectID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Print the presence roster of a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cfg)
			if err != nil {
				return err
			}
			roster, err := boardclient.NewHTTPWriter(s.base, s.token, nil).Roster(cmd.Context(), projectID)
			if err != nil {
				return fmt.Errorf("read roster: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(roster)
			}
			return writeRoster(cmd, roster)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func writeRoster(cmd *cobra.Command, roster domain.Roster) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "project: %s\tmembers: %d\n", roster.ProjectID, len(roster.Members))
	fmt.Fprintln(tw, "USER\tONLINE\tVIEWING\tCURSOR\tLAST SEEN")
	for _, p := range roster.Members {
		cursor := "-"
		if p.Cursor != nil {
			cursor = fmt.Sprintf("%g,%g", p.Cursor.X, p.Cursor.Y)
		}
		viewing := p.Viewing
		if viewing == "" {
			viewing = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", p.UserID, p.Online, viewing, cursor, p.LastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}
