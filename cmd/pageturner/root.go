package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pageturner",
	Short: "Capture e-reader books page by page",
	Long: `Pageturner drives a web e-reader in a browser tab, captures each page
as a stable screenshot and exports the result as a PDF or ZIP.

It includes:
  - A navigation agent injected into the reader tab
  - Stability and duplicate detection to find the end of the book
  - Optional transcription through Gemini or OpenAI with a cost ledger
  - Durable storage so a session survives restarts`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.pageturner/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "pageturner home directory (default: ~/.pageturner)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "text", "output format: text, yaml or json",
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// API keys are usually kept in a local .env file.
		_ = godotenv.Load()
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
