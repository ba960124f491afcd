package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/metrics"
	"github.com/saltfish/trainstream/internal/stream"
)

var (
	// Run request flags
	instrumentToken int64
	interval        string
	models          []string
	forecastHorizon int
	lookbackWindow  int
	trainBars       int
	testBars        int
	stepSize        int
	trainingURL     string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream a training run",
	Long: `Submit a training request straight to the training service and print its
progress as the event stream arrives. A results table (or JSON) follows when
the run completes.

Example:
  trainctl run --token 256265 --interval day
  trainctl run --token 256265 --interval 60minute --models xgboost --step-size 30 -o json`,
	RunE: runTraining,
}

func init() {
	rootCmd.AddCommand(runCmd)

	addRequestFlags(runCmd)
	runCmd.Flags().StringVar(&trainingURL, "training-url", "", "training service base URL (overrides config)")
}

// addRequestFlags registers the training request flags on c.
func addRequestFlags(c *cobra.Command) {
	c.Flags().Int64Var(&instrumentToken, "token", 0, "instrument token (required)")
	c.Flags().StringVar(&interval, "interval", "", "candle interval (required, e.g. day)")
	c.Flags().StringSliceVar(&models, "models", nil, "models to train (default random_forest,xgboost)")
	c.Flags().IntVar(&forecastHorizon, "horizon", 0, "forecast horizon in bars (default 1)")
	c.Flags().IntVar(&lookbackWindow, "lookback", 0, "lookback window in bars (default 20)")
	c.Flags().IntVar(&trainBars, "train-bars", 0, "walk-forward train bars (default 300)")
	c.Flags().IntVar(&testBars, "test-bars", 0, "walk-forward test bars (default 60)")
	c.Flags().IntVar(&stepSize, "step-size", 0, "walk-forward step size (default: test bars)")
	c.MarkFlagRequired("token")
	c.MarkFlagRequired("interval")
}

// requestFromFlags builds the training request; unset flags take the request defaults.
func requestFromFlags() (domain.TrainingRequest, error) {
	req := domain.TrainingRequest{
		InstrumentToken:      instrumentToken,
		Interval:             interval,
		ForecastHorizon:      forecastHorizon,
		LookbackWindow:       lookbackWindow,
		WalkforwardTrainBars: trainBars,
		WalkforwardTestBars:  testBars,
	}
	for _, m := range models {
		req.Models = append(req.Models, domain.ModelID(m))
	}
	if stepSize > 0 {
		step := stepSize
		req.StepSize = &step
	}
	if err := req.Normalize(); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func runTraining(cmd *cobra.Command, args []string) error {
	req, err := requestFromFlags()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if trainingURL != "" {
		cfg.TrainingService.BaseURL = trainingURL
	}

	logger := newLogger()
	defer logger.Sync()

	client, err := stream.NewClient(cfg.TrainingService, logger.Named("client"))
	if err != nil {
		return fmt.Errorf("failed to create training service client: %w", err)
	}
	driver := stream.NewDriver(stream.DriverConfig{
		ChunkSize:      cfg.TrainingService.ChunkSize,
		MaxRecordBytes: cfg.TrainingService.MaxRecordBytes,
	}, metrics.Nop{}, logger.Named("driver"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return streamRun(ctx, driver, client.Opener(req), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// streamRun drives one run, printing progress to progressOut and the outcome to out.
func streamRun(ctx context.Context, driver *stream.Driver, open stream.OpenFunc, out, progressOut io.Writer) error {
	printer := newProgressPrinter(progressOut)
	final, err := driver.Run(ctx, open, printer.Print)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(progressOut, "Run cancelled.")
		}
		return err
	}

	if IsJSONOutput() {
		if err := printJSON(out, final); err != nil {
			return err
		}
	} else if final.Status == domain.RunStatusSucceeded {
		if err := renderResult(out, final.FinalResult); err != nil {
			return err
		}
	}

	if final.Status == domain.RunStatusFailed {
		msg := "unknown error"
		if final.ErrorMessage != nil {
			msg = *final.ErrorMessage
		}
		return fmt.Errorf("run failed: %s", msg)
	}
	return nil
}
