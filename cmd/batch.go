package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/engine"
	"github.com/kestrel-dl/kestrel/internal/output"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := config.ReadBatchFile(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			reqs := make([]engine.Request, len(entries))
			for i, e := range entries {
				reqs[i] = engine.Request{
					URL: e.URL,
					Options: config.DownloadOptions{
						OutputPath: e.OutputPath,
						Format:     e.Format,
						Quality:    e.Quality,
						AudioOnly:  e.AudioOnly,
					},
				}
			}
			runBatch(reqs)
		},
	}
}
