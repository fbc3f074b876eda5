//go:build linux

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/afd-plus/afd-plus/internal/hmon"
	"github.com/afd-plus/afd-plus/internal/store/constants"
)

var Version = "v0.0.0"

var (
	workDir    string
	interval   int
	outputFile string
)

var rootCmd = &cobra.Command{
	Use:   "hmon_ctrl [alias|position]",
	Short: "Emit an HTML status page over the host and directory tables",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		selector := ""
		if len(args) == 1 {
			selector = args[0]
		}

		mon, err := hmon.Attach(constants.WorkDir(workDir))
		if err != nil {
			return err
		}
		defer mon.Close()

		for {
			if err := render(mon, selector); err != nil {
				return err
			}
			if interval <= 0 {
				return nil
			}
			time.Sleep(time.Duration(interval) * time.Second)
		}
	},
}

func render(mon *hmon.Monitor, selector string) error {
	if outputFile == "" {
		return mon.Render(os.Stdout, selector)
	}
	tmp := outputFile + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("render: error creating %s -> %w", tmp, err)
	}
	if err := mon.Render(fh, selector); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, outputFile)
}

func main() {
	rootCmd.Version = Version
	rootCmd.Flags().StringVarP(&workDir, "work-dir", "w", "", "work directory holding the shared tables")
	rootCmd.Flags().IntVarP(&interval, "interval", "d", 0, "refresh interval in seconds, 0 renders once")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write the page to this file instead of stdout")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
