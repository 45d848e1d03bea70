package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/output"
	"github.com/kestrel-dl/kestrel/internal/session"
	"github.com/kestrel-dl/kestrel/internal/utils"
)

func sessionStore(settings config.Settings) (*session.Store, error) {
	return session.NewStore(settings.SessionDir)
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage download sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsCleanCmd())
	cmd.AddCommand(newSessionsRemoveCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List download sessions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			output.InitLogger(debug)
			store := mustStore()
			var statuses []session.Status
			if statusFilter != "" {
				statuses = append(statuses, session.Status(statusFilter))
			}
			sessions, err := store.List(statuses...)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if len(sessions) == 0 {
				output.PrintInfo("No sessions found")
				return
			}
			for _, s := range sessions {
				line := fmt.Sprintf("%s  %-10s  %s", s.ID, s.Status, s.URL)
				switch s.Status {
				case session.StatusCompleted:
					output.PrintSuccess(line)
				case session.StatusFailed:
					output.PrintError(line)
					if s.ErrorInfo != nil {
						output.PrintDebug(fmt.Sprintf("    %s: %s", s.ErrorInfo.Kind, s.ErrorInfo.Message))
					}
				case session.StatusPaused:
					output.PrintWarning(line)
					if s.Progress.TotalBytes > 0 {
						output.PrintDebug(fmt.Sprintf("    %s of %s", utils.FormatBytes(uint64(s.Progress.DownloadedBytes)), utils.FormatBytes(uint64(s.Progress.TotalBytes))))
					}
				default:
					output.PrintInfo(line)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by status (pending, active, paused, completed, failed, cancelled)")
	return cmd
}

func newSessionsCleanCmd() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete terminal session records older than the given age",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			output.InitLogger(debug)
			store := mustStore()
			removed, err := store.Cleanup(maxAge)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d session record(s)", removed))
		},
	}

	cmd.Flags().DurationVar(&maxAge, "older-than", 7*24*time.Hour, "Age threshold for terminal sessions (eg. 24h, 168h)")
	return cmd
}

func newSessionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [SESSION_ID]...",
		Short: "Delete specific session records",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			output.InitLogger(debug)
			store := mustStore()
			for _, id := range args {
				removed, err := store.Delete(id)
				if err != nil {
					output.PrintError(fmt.Sprintf("%s: %v", id, err))
					continue
				}
				if removed {
					output.PrintSuccess(fmt.Sprintf("Removed session %s", id))
				} else {
					output.PrintWarning(fmt.Sprintf("No session %s", id))
				}
			}
		},
	}
}

func mustStore() *session.Store {
	settings := config.Default()
	if configFile != "" {
		var err error
		settings, err = config.LoadSettingsFile(configFile, settings)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
	}
	store, err := sessionStore(settings)
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
	return store
}
