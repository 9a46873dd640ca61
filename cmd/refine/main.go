package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"refine-agent/internal/exchange"
	"refine-agent/internal/integrations/openai"
	"refine-agent/internal/render"
	"refine-agent/internal/workflow"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "refine",
	Short: "Iteratively draft and critique a piece of writing with a language model",
	Long: `refine runs a generate/reflect loop: a generator drafts a response to the
instruction, a reflector critiques it, and the critique is fed back as a new
instruction until the history grows past --max-messages.

Environment Variables:
  REFINE_API_KEY        - API key for the OpenAI-compatible endpoint
  REFINE_MODEL          - model name (default ` + openai.DefaultModel + `)
  REFINE_BASE_URL       - endpoint base URL
  REFINE_MAX_MESSAGES   - termination threshold`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run <instruction>",
	Short: "Run the loop for one instruction and print the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRefine,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the workflow graph as a Mermaid flowchart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := io.WriteString(cmd.OutOrStdout(), render.Graph())
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every step to stderr")

	addRunFlags(runCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(graphCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("max-messages", workflow.DefaultThreshold, "stop once the history holds more than this many messages")
	f.String("model", openai.DefaultModel, "model name")
	f.String("base-url", "", "OpenAI-compatible base URL")
	f.String("api-key", "", "API key (prefer REFINE_API_KEY)")
	f.Float64("temperature", 0, "sampling temperature (provider default when unset)")
	f.String("generation-prompt", "", "system framing for the generator")
	f.String("reflection-prompt", "", "system framing for the reflector")
	f.StringP("format", "o", "text", "output format: "+strings.Join(formats, ", "))
	f.Duration("timeout", 0, "overall deadline for the run (default 2m)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func runRefine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), verbose)

	opts := []openai.Option{openai.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, openai.WithTemperature(*cfg.Temperature))
	}
	client, err := openai.NewClient(nil, "", opts...)
	if err != nil {
		return fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	generator, reflector, err := exchange.Pair(client, cfg.Model, exchange.Framings{
		Generation: cfg.GenerationPrompt,
		Reflection: cfg.ReflectionPrompt,
	})
	if err != nil {
		return err
	}
	ctrl, err := workflow.New(generator, reflector,
		workflow.WithThreshold(cfg.MaxMessages),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	instruction := strings.Join(args, " ")
	res, runErr := ctrl.Run(ctx, instruction)
	if runErr != nil {
		logger.Error("run failed", "err", runErr)
	}

	if err := writeReport(cmd.OutOrStdout(), cfg.Format, newReport(instruction, cfg.MaxMessages, res, runErr)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return runErr
}
