package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/home"
	"github.com/jackzampolin/pageturner/internal/server"
	"github.com/jackzampolin/pageturner/internal/transcribe"
)

var (
	transcribeModel    string
	transcribeMarkdown bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Transcribe every stored page without a running server",
	Long: `Transcribe every page in the local store, one at a time, and save the
results for the next export. Failed pages are kept as error markers.

Stop the server first; both would write the same store.

Examples:
  pageturner transcribe
  pageturner transcribe --model gpt-4o-mini --markdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		cfgMgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		c := cfgMgr.Get()

		model := transcribeModel
		if model == "" {
			model = c.Transcription.DefaultModel
		}
		credential := c.ResolveAPIKey(transcribe.ProviderFor(model))
		if credential == "" {
			return fmt.Errorf("no API key configured for %s (set api_keys.%s)", model, transcribe.ProviderFor(model))
		}

		services, err := server.NewServices(server.ServicesConfig{
			Home:          h,
			ConfigManager: cfgMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer server.CloseServices(ctx, services)

		total, err := services.Store.PageCount(ctx)
		if err != nil {
			return err
		}
		if total == 0 {
			fmt.Println("No pages stored.")
			return nil
		}

		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Transcribing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("pages"),
			progressbar.OptionShowIts(),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
			progressbar.OptionSetRenderBlankState(true),
		)

		results, err := services.Pipeline.Run(ctx, transcribe.Options{
			Credential: credential,
			Model:      model,
			Markdown:   transcribeMarkdown,
			Progress: func(done, total int) {
				_ = bar.Set(done)
			},
		})
		_ = bar.Finish()
		if err != nil {
			return err
		}

		failed := 0
		for _, tr := range results {
			if tr.Failed {
				failed++
			}
		}
		cost, err := services.Ledger.Total(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Transcribed %d of %d pages (%d failed). Cumulative cost: %s\n",
			len(results)-failed, total, failed, api.FormatCost(cost, services.Ledger.Currency()))
		return nil
	},
}

func init() {
	transcribeCmd.Flags().StringVar(&transcribeModel, "model", "", "Transcription model (default: configured model)")
	transcribeCmd.Flags().BoolVar(&transcribeMarkdown, "markdown", false, "Ask for Markdown instead of plain text")
	rootCmd.AddCommand(transcribeCmd)
}
