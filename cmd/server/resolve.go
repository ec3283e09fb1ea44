package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"boxoffice/internal/config"
	"boxoffice/internal/resolver"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <magnet-or-url> [fallback-url]",
	Short: "Resolve a reference the way a submitted download would, without downloading",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		var secondary string
		if len(args) == 2 {
			secondary = args[1]
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		src, err := newResolver(cfg, newLogger(cfg)).Resolve(ctx, args[0], secondary)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch src.Kind {
		case resolver.SourceMagnet:
			fmt.Fprintf(out, "magnet\t%s\n", src.URI)
		case resolver.SourceTorrentFile:
			fmt.Fprintf(out, "torrent\t%d bytes\n", len(src.Data))
		}
		return nil
	},
}
