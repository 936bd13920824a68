// Package main provides the heat capacitor controller entry point and CLI interface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/controller"
	"github.com/devskill-org/heat-capacitor/prices"
	"github.com/devskill-org/heat-capacitor/sensor"
)

func main() {
	root := &cobra.Command{
		Use:   "heatcap",
		Short: "Price-driven target temperature controller for thermal storage",
		Long: `heatcap treats a hot-water tank (or any thermal storage) as a heat capacitor.
Every tick it reads the storage temperature, looks up the electricity price
schedule and raises the target temperature while the current price is the
cheapest one the stored heat can reach, or holds it at the safety floor.

Examples:
  heatcap run --config config.yaml
  heatcap evaluate --request request.json --baseline far_edge
  heatcap prices --file prices.json
  heatcap config --format yaml > config.yaml`,
		SilenceUsage: true,
	}

	root.AddCommand(runCmd(), evaluateCmd(), pricesCmd(), probeCmd(), configCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configFile string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the periodic decision loop and the web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := controller.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if dryRun {
				config.DryRun = true
			}
			return run(cmd.Context(), config)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "configuration file path (.json, .yaml or .yml)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log decisions only, do not publish to MQTT or Kafka")
	return cmd
}

func run(ctx context.Context, config *controller.Config) error {
	logger := config.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting heat capacitor controller",
		"storage", config.StorageID,
		"setpoint", config.Setpoint,
		"hysteresis", config.Hysteresis,
		"max_adjustment", config.MaxAdjustment,
		"tick_interval", config.TickInterval,
		"prices", config.PriceSource,
		"sensor", config.SensorSource,
		"dry_run", config.DryRun,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := controller.Build(ctx, config, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("error releasing resources", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx)
	}()

	logger.Info("controller started, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping controller")
		c.Stop()
		<-done
	case err := <-done:
		if err != nil {
			return err
		}
	}

	logger.Info("controller stopped")
	return nil
}

func evaluateCmd() *cobra.Command {
	var (
		requestFile string
		baseline    string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a single request and print the decision",
		Long: `Reads an evaluation request (current_time, bounds, rates, boost and schedule)
as JSON from --request, or from stdin when the flag is "-", and prints the
decision. Rejected requests print the failure kind and offending field.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if requestFile != "-" {
				f, err := os.Open(requestFile)
				if err != nil {
					return fmt.Errorf("failed to open request: %w", err)
				}
				defer f.Close()
				in = f
			}
			return evaluate(in, cmd.OutOrStdout(), baseline)
		},
	}
	cmd.Flags().StringVarP(&requestFile, "request", "r", "-", "evaluation request JSON file")
	cmd.Flags().StringVar(&baseline, "baseline", "", "savings baseline: window_peak or far_edge")
	return cmd
}

func evaluate(in io.Reader, out io.Writer, baseline string) error {
	base, err := capacitor.ParseBaseline(baseline)
	if err != nil {
		return err
	}

	var req capacitor.EvaluationRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	decision, err := capacitor.Evaluator{Baseline: base}.Evaluate(req)
	if err != nil {
		var ve *capacitor.ValidationError
		if errors.As(err, &ve) {
			enc.Encode(map[string]string{
				"error": err.Error(),
				"kind":  capacitor.Kind(err),
				"field": ve.Field,
			})
		}
		return err
	}
	return enc.Encode(decision)
}

func pricesCmd() *cobra.Command {
	var (
		file     string
		delivery float64
	)
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Print a price schedule file as a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := prices.LoadFile(file)
			if err != nil {
				return err
			}
			schedule = prices.Fees{DeliveryFee: delivery}.Apply(schedule)
			return printSchedule(cmd.OutOrStdout(), schedule)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "prices.json", "price file (Tibber-style JSON or ENTSO-E XML)")
	cmd.Flags().Float64Var(&delivery, "delivery-fee", 0, "fee added to every unit price")
	return cmd
}

func printSchedule(w io.Writer, schedule capacitor.PriceSchedule) error {
	index, err := capacitor.NewScheduleIndex(schedule)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tPRICE\t")
	cheapest := index.First()
	for p := range index.SegmentsBetween(index.First().Start, index.Last().Start) {
		fmt.Fprintf(tw, "%s\t%.4f\t\n", p.Start.Format("2006-01-02 15:04 MST"), p.UnitPrice)
		if p.UnitPrice < cheapest.UnitPrice {
			cheapest = p
		}
	}
	if schedule.Bounded() {
		fmt.Fprintf(tw, "%s\t(end)\t\n", schedule.End.Format("2006-01-02 15:04 MST"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n%d segments, cheapest %.4f at %s\n", index.Len(), cheapest.UnitPrice, cheapest.Start.Format(time.RFC3339))
	return err
}

func probeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Read the storage temperature once and print the boost adjustments",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := controller.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			reader, err := controller.NewTemperatureReader(config)
			if err != nil {
				return err
			}
			if closer, ok := reader.(io.Closer); ok {
				defer closer.Close()
			}

			temp, err := reader.ReadTemperature(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read temperature: %w", err)
			}
			adj := sensor.Adjustments(temp, config.Bounds())
			fmt.Fprintf(cmd.OutOrStdout(), "Storage:     %s\nTemperature: %.2f\nFloor:       %.2f\nHeat boost:  %.2f\nCool slack:  %.2f\n",
				config.StorageID, temp, config.Bounds().Floor(), adj.HeatBoost, adj.CoolSlack)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "configuration file path")
	return cmd
}

func configCmd() *cobra.Command {
	var (
		configFile string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the default (or a validated) configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := controller.DefaultConfig()
			if configFile != "" {
				loaded, err := controller.LoadConfig(configFile)
				if err != nil {
					return err
				}
				config = loaded
			}
			switch format {
			case "json":
				return config.SaveConfigToWriter(cmd.OutOrStdout())
			case "yaml", "yml":
				return config.SaveConfigToYAML(cmd.OutOrStdout())
			}
			return fmt.Errorf("unknown format %q, must be json or yaml", format)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file to validate and print instead of the defaults")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}
