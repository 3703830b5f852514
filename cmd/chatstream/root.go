package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chatstream",
	Short: "Streaming chat server and terminal client",
	Long: `chatstream runs the reference chat server, issues session tokens
and opens an interactive chat session against a running server.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
}

func newLogger(cmd *cobra.Command, prefix string) *log.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
