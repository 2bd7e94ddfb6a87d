package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchOutputFormat string
	watchReplay       int
	watchUntilDone    bool
	watchLocal        bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor pipeline activity in real time",
	Long: `Monitor pipeline progress as it happens.

Streams artifact creations, phase transitions, consensus outcomes, change
requests and the final halt of the run.

Sources:
  With events enabled in popeye.yml the Redis event bus is followed, so
  watch works from any machine that can reach it. Otherwise (or with
  --local) the .popeye work directory is watched for changes.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Follow the current run
  popeye watch

  # Show the last 20 events, follow until the run halts
  popeye watch --replay 20 --until-done

  # Export events as JSON
  popeye watch --output=json > events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().IntVar(&watchReplay, "replay", 10, "Past events to print first (-1 for all)")
	watchCmd.Flags().BoolVar(&watchUntilDone, "until-done", false, "Exit when the run halts")
	watchCmd.Flags().BoolVar(&watchLocal, "local", false, "Watch the work directory instead of the event bus")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := interruptible()
	defer stop()

	opts := watch.Options{
		Format:    outputFormat,
		Replay:    watchReplay,
		UntilHalt: watchUntilDone,
		Logger:    a.logger,
	}

	if watchLocal || !a.cfg.Events.Enabled {
		return watch.TailLocal(ctx, a.layout, opts, cmd.OutOrStdout())
	}

	client, err := a.eventsClient()
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = client.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		logging.Warn(a.logger, "events_unreachable", zap.String("addr", a.cfg.Events.RedisAddr), zap.Error(err))
		printer.Warning("Event bus at %s is unreachable; watching %s instead\n", a.cfg.Events.RedisAddr, a.layout.Dir())
		if client != nil {
			client.Close()
		}
		return watch.TailLocal(ctx, a.layout, opts, cmd.OutOrStdout())
	}
	a.events = client

	return watch.StreamActivity(ctx, client, opts, cmd.OutOrStdout())
}
