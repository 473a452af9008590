package main

import (
	"fmt"
	"os"

	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/pkg/elog"
	"github.com/diskforge/diskforge/pkg/registry"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitBadArgs = 2
)

var log = &elog.CLI{}

var rootCmd = &cobra.Command{
	Use:   "diskforge",
	Short: "Create and inspect ext, FAT and NTFS filesystem images from user space",
	Long: `Diskforge formats raw block devices and image files with ext2/ext3/ext4,
FAT16/FAT32/exFAT and NTFS layouts, and parses those same layouts to
enumerate directories and read file contents.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.IsDebug, _ = cmd.Flags().GetBool("debug")
		log.IsVerbose, _ = cmd.Flags().GetBool("verbose")
		if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			log.DisableColors = true
			log.DisableTTY = true
		}
		logrus.SetFormatter(log)
		if log.IsDebug {
			logrus.SetLevel(logrus.TraceLevel)
		} else if log.IsVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(validateCmd)

	registry.Seal()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}
