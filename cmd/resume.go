package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/errdefs"
	"github.com/kestrel-dl/kestrel/internal/output"
	"github.com/kestrel-dl/kestrel/internal/session"
)

func newResumeCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resume [SESSION_ID]...",
		Short: "Resume paused or failed download sessions",
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			output.InitLogger(debug)
			settings, err := buildSettings()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(errdefs.ExitCode(err))
			}
			eng, err := buildEngine(settings)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(errdefs.ExitCode(err))
			}

			ids := args
			if all {
				resumable, err := eng.Store().List(session.StatusPaused, session.StatusFailed)
				if err != nil {
					output.PrintError(err.Error())
					os.Exit(errdefs.ExitCode(err))
				}
				for _, s := range resumable {
					ids = append(ids, s.ID)
				}
			}
			if len(ids) == 0 {
				output.PrintInfo("Nothing to resume")
				return
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				eng.PauseAll()
				cancel()
				<-sigCh
				os.Exit(1)
			}()

			manager := output.NewManager()
			eng.OnProgress = func(sessionID string, downloaded, total int64) {
				manager.Progress(sessionID, downloaded, total, eng.Speed())
			}
			for _, id := range ids {
				if s, err := eng.Store().Get(id); err == nil {
					manager.Track(id, s.URL)
				} else {
					manager.Track(id, id)
				}
			}
			if !debug {
				manager.StartDisplay()
			}

			exit := 0
			var mu sync.Mutex
			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					ok, err := eng.Resume(ctx, id)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case errors.Is(err, context.Canceled):
						manager.Paused(id)
					case err != nil:
						manager.Failed(id, err)
						if code := errdefs.ExitCode(err); code > exit {
							exit = code
						}
					case !ok:
						manager.SetMessage(id, fmt.Sprintf("Session %s is not resumable", id))
						manager.Paused(id)
					default:
						manager.Complete(id, "")
					}
				}(id)
			}
			wg.Wait()
			if !debug {
				manager.StopDisplay()
			}
			if exit != 0 {
				os.Exit(exit)
			}
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Resume every paused or failed session")
	return cmd
}
