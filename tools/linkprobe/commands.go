package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thejuampi/amqplink-go/amqplink"
	"github.com/Thejuampi/amqplink-go/amqplink/goamqp"
)

type probeOptions struct {
	configPath  string
	address     string
	metricsAddr string
	verbose     bool
}

func newRootCommand() *cobra.Command {
	options := &probeOptions{}
	root := &cobra.Command{
		Use:          "linkprobe",
		Short:        "Exercise AMQP send and receive links",
		Long:         "linkprobe opens a client, sends or receives messages through managed links and reports the outcome of each operation.",
		Version:      amqplink.ClientVersion,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&options.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&options.address, "address", "", "broker address, overrides the config file")
	root.PersistentFlags().StringVar(&options.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	root.PersistentFlags().BoolVarP(&options.verbose, "verbose", "v", false, "log link activity at debug level")

	root.AddCommand(newSendCommand(options))
	root.AddCommand(newReceiveCommand(options))
	return root
}

func newSendCommand(options *probeOptions) *cobra.Command {
	var target, partitionKey string
	var count, size, batch int

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("target is required (use --target)")
			}
			if count <= 0 || batch <= 0 {
				return fmt.Errorf("count and batch must be positive")
			}
			return options.run(cmd.Context(), func(ctx context.Context, client *amqplink.Client) error {
				sender, err := client.NewSender(ctx, target)
				if err != nil {
					return fmt.Errorf("open sender: %w", err)
				}
				defer sender.Close()
				return sendMessages(ctx, cmd, sender, count, size, batch, partitionKey)
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "entity path to send to")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of messages")
	cmd.Flags().IntVar(&size, "size", 64, "payload size in bytes")
	cmd.Flags().IntVar(&batch, "batch", 1, "messages per delivery")
	cmd.Flags().StringVar(&partitionKey, "partition-key", "", "partition key stamped on batches")
	return cmd
}

func sendMessages(ctx context.Context, cmd *cobra.Command, sender *amqplink.Sender, count, size, batch int, partitionKey string) error {
	started := time.Now()
	sent := 0
	for sent < count {
		messages := make([]*amqplink.Message, 0, batch)
		for len(messages) < batch && sent+len(messages) < count {
			messages = append(messages, amqplink.NewMessage(probePayload(sent+len(messages), size)))
		}
		if _, err := sender.SendBatch(messages, partitionKey).Wait(ctx); err != nil {
			return fmt.Errorf("send message %d: %w", sent, err)
		}
		sent += len(messages)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d messages to %s in %s\n", sent, sender.Target(), time.Since(started).Round(time.Millisecond))
	return nil
}

func probePayload(index, size int) []byte {
	payload := []byte(fmt.Sprintf("probe-%d", index))
	if len(payload) < size {
		payload = append(payload, bytes.Repeat([]byte{'.'}, size-len(payload))...)
	}
	return payload
}

func newReceiveCommand(options *probeOptions) *cobra.Command {
	var source, offset string
	var count int
	var prefetch uint32
	var epoch int64

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive messages from a source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("source is required (use --source)")
			}
			receiverOptions := &amqplink.ReceiverOptions{PrefetchCount: prefetch}
			if offset != "" {
				receiverOptions.Cursor = &amqplink.Cursor{Offset: offset}
			}
			if epoch >= 0 {
				receiverOptions.Epoch = &epoch
			}
			return options.run(cmd.Context(), func(ctx context.Context, client *amqplink.Client) error {
				receiver, err := client.NewReceiver(ctx, source, receiverOptions)
				if err != nil {
					return fmt.Errorf("open receiver: %w", err)
				}
				defer receiver.Close()
				return receiveMessages(ctx, cmd, receiver, count)
			})
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "entity path to receive from")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "messages to receive before exiting; 0 runs until interrupted")
	cmd.Flags().Uint32Var(&prefetch, "prefetch", 0, "credit window, defaults to the config value")
	cmd.Flags().StringVar(&offset, "offset", "", "start after this broker offset")
	cmd.Flags().Int64Var(&epoch, "epoch", -1, "open an exclusive epoch receiver")
	return cmd
}

func receiveMessages(ctx context.Context, cmd *cobra.Command, receiver *amqplink.Receiver, count int) error {
	out := cmd.OutOrStdout()
	received := 0
	for count == 0 || received < count {
		messages, err := receiver.Receive().Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("receive: %w", err)
		}
		for _, message := range messages {
			offset, _ := message.Offset()
			fmt.Fprintf(out, "offset=%s bytes=%d\n", offset, len(message.GetData()))
		}
		received += len(messages)
	}
	fmt.Fprintf(out, "received %d messages from %s\n", received, receiver.Source())
	return nil
}

func (options *probeOptions) loadConfig() (amqplink.Config, error) {
	config := amqplink.DefaultConfig()
	if options.configPath != "" {
		loaded, err := amqplink.LoadConfig(options.configPath)
		if err != nil {
			return config, err
		}
		config = loaded
	}
	if options.address != "" {
		config.Address = options.address
	}
	if config.Address == "" {
		return config, fmt.Errorf("address is required (use --address or the config file)")
	}
	return config, nil
}

func (options *probeOptions) newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if options.verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return config.Build()
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// run builds a client from options, runs probe with it and closes it. The
// metrics server, when enabled, stops with the probe.
func (options *probeOptions) run(parent context.Context, probe func(context.Context, *amqplink.Client) error) error {
	config, err := options.loadConfig()
	if err != nil {
		return err
	}
	logger, err := options.newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	metrics := amqplink.NewMetrics("linkprobe")
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	engine := goamqp.NewEngine()
	engine.Logger = logger
	client, err := amqplink.NewClient(config, engine, goamqp.NewCodec())
	if err != nil {
		return err
	}
	client.SetLogger(logger).SetMetrics(metrics)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	if options.metricsAddr != "" {
		server := &http.Server{
			Addr:              options.metricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", options.metricsAddr))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		defer stop()
		err := probe(ctx, client)
		_, closeErr := client.Close().Wait(context.Background())
		return multierr.Append(err, closeErr)
	})
	return group.Wait()
}
