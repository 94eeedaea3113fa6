package main

import (
	"github.com/book-expert/voice-service/internal/embedcache"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/spf13/cobra"
)

type cacheReport struct {
	Voices int                  `json:"voices"`
	Disk   embedcache.DiskUsage `json:"disk"`
	Size   string               `json:"size"`
}

func newCacheCommand(open func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the embedding cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Report the number of cached embeddings on disk and their size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(open, func(application *app) error {
				usage, err := application.cache.DiskUsage()
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), cacheReport{
					Voices: application.library.Count(),
					Disk:   usage,
					Size:   fsutil.FormatFileSize(usage.Bytes),
				})
			})
		},
	})

	return cmd
}
