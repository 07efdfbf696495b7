package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/posechannel/pkg/posechannel"
	"github.com/tsarna/posechannel/pkg/posechannel/prometheus"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Stream pose updates to a pose server",
	Long: `Connect to a pose server and send one pose_update per line of input.

Each line must be a JSON value; it is sent unchanged as the update payload.
Input is read from the named file, or from stdin when no file is given.
Updates are only delivered while connected; lines read while the channel
is reconnecting are dropped.

Examples:
  posechannel send poses.jsonl
  tail -f poses.jsonl | posechannel send --url http://pose-server:5000
  posechannel send --config posechannel.hcl --interval 33ms poses.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

var (
	sendURL            string
	sendConnectTimeout time.Duration
	sendInterval       time.Duration
	sendLinger         time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendURL, "url", "u", "", "pose server URL (default http://localhost:5000)")
	sendCmd.Flags().DurationVar(&sendConnectTimeout, "connect-timeout", 30*time.Second, "how long to wait for the first connection")
	sendCmd.Flags().DurationVar(&sendInterval, "interval", 0, "delay between updates")
	sendCmd.Flags().DurationVar(&sendLinger, "linger", 500*time.Millisecond, "time allowed for queued updates to flush on exit")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	input := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	builder, err := cfg.Channel.TransportBuilder(logger)
	if err != nil {
		return err
	}
	if sendURL != "" {
		builder.WithURL(sendURL)
	}

	transport, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer transport.Close()

	metrics := prometheus.NewProvider(nil)
	client, err := posechannel.NewClient().
		WithTransport(transport).
		WithLogger(logger).
		WithMonitor(posechannel.NewMetricsMonitor(metrics)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	logger.Info("Connecting to pose server",
		zap.String("url", transport.URL()),
		zap.String("client_id", transport.ClientID()),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), sendConnectTimeout)
	defer cancel()

	if err := waitConnected(ctx, client, transport); err != nil {
		return err
	}

	sent, err := streamPoses(cmd.Context(), client, input, sendInterval)

	client.Disconnect()
	time.Sleep(sendLinger)

	logger.Info("Finished sending pose updates",
		append([]zap.Field{zap.Int("lines", sent)}, deliverySummary(metrics)...)...,
	)
	return err
}

// deliverySummary reads back the counters recorded by the client's monitor.
func deliverySummary(metrics *prometheus.Provider) []zap.Field {
	families, err := metrics.Registry().Gather()
	if err != nil {
		return []zap.Field{zap.NamedError("metrics_error", err)}
	}

	totals := make(map[string]float64, len(families))
	for _, family := range families {
		for _, m := range family.GetMetric() {
			totals[family.GetName()] += m.GetCounter().GetValue()
		}
	}

	return []zap.Field{
		zap.Int64("sent", int64(totals["posechannel_pose_updates_sent_total"])),
		zap.Int64("dropped", int64(totals["posechannel_pose_updates_dropped_total"])),
		zap.Int64("transport_errors", int64(totals["posechannel_transport_errors_total"])),
	}
}

// waitConnected connects client and blocks until the channel is up, the
// transport gives up reconnecting, or ctx is done.
func waitConnected(ctx context.Context, client *posechannel.Client, transport posechannel.Transport) error {
	connected := make(chan struct{})
	failed := make(chan struct{})

	stateSub := client.OnStateChange(func(from, to posechannel.ConnectionState) {
		if to == posechannel.Connected {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
	})
	defer stateSub.Unsubscribe()

	failSub := transport.On(posechannel.EventReconnectFailed, func(posechannel.Event) {
		select {
		case <-failed:
		default:
			close(failed)
		}
	})
	defer failSub.Unsubscribe()

	client.Connect()
	if client.Connected() {
		return nil
	}

	select {
	case <-connected:
		return nil
	case <-failed:
		return fmt.Errorf("could not connect to pose server")
	case <-ctx.Done():
		client.Disconnect()
		return fmt.Errorf("timed out connecting to pose server: %w", ctx.Err())
	}
}

// streamPoses sends one update per non-empty input line and returns the
// number of lines sent.
func streamPoses(ctx context.Context, client *posechannel.Client, input io.Reader, interval time.Duration) (int, error) {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sent := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var pose any
		if err := json.Unmarshal(line, &pose); err != nil {
			return sent, fmt.Errorf("line %d: invalid JSON: %w", lineNo, err)
		}

		client.SendPoseUpdate(pose)
		sent++

		if interval > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(interval):
			}
		}
	}

	return sent, scanner.Err()
}
