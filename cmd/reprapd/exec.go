package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"reprapd/pkg/channel"
	"reprapd/pkg/gcode"
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <file.gcode>",
		Short: "Feed a G-code file through the pipeline on the File channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return execFile(cmd, newHost(cfg), args[0])
		},
	}
}

// execFile runs a reader and an executor concurrently; the single
// executor keeps the file's codes in order.
func execFile(cmd *cobra.Command, h *host, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	codes := make(chan *gcode.Code, 16)
	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		defer close(codes)
		scanner := bufio.NewScanner(file)
		lineno := 0
		for scanner.Scan() {
			lineno++
			code, err := gcode.Parse(channel.File, scanner.Text())
			if err != nil {
				return fmt.Errorf("%s:%d: %w", path, lineno, err)
			}
			if code == nil {
				continue
			}
			select {
			case codes <- code:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return scanner.Err()
	})

	g.Go(func() error {
		for code := range codes {
			result, err := h.pipeline.Execute(ctx, code)
			if err != nil {
				return err
			}
			for _, m := range result {
				fmt.Fprintln(cmd.OutOrStdout(), m.String())
			}
		}
		return nil
	})

	return g.Wait()
}
