package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/qvcloud/mqrpc"
	"github.com/qvcloud/mqrpc/brokers/kafka"
	"github.com/qvcloud/mqrpc/brokers/nats"
	"github.com/qvcloud/mqrpc/brokers/rabbitmq"
	"github.com/qvcloud/mqrpc/brokers/redis"
	"github.com/qvcloud/mqrpc/brokers/rocketmq"
	"github.com/qvcloud/mqrpc/metrics"
	"github.com/qvcloud/mqrpc/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

// transports lists the names accepted by --transport.
var transports = []string{"memory", "rabbitmq", "nats", "kafka", "redis", "rocketmq"}

type globalFlags struct {
	transport   string
	url         string
	clientID    string
	policy      string
	timeout     time.Duration
	metricsAddr string
	verbose     bool
}

func main() {
	// A missing .env is fine; the environment and flags still apply.
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout, os.Stdin).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, in io.Reader) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "mqrpc",
		Short:         "Publish, fetch and serve request/reply messages over a broker",
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(out)
	rootCmd.SetIn(in)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.transport, "transport", "t", envOr("MQRPC_TRANSPORT", "rabbitmq"), "Broker transport: "+strings.Join(transports, ", "))
	pf.StringVarP(&g.url, "url", "u", envOr("MQRPC_URL", ""), "Broker URL")
	pf.StringVar(&g.clientID, "client-id", envOr("MQRPC_CLIENT_ID", ""), "Connection name reported to the broker")
	pf.StringVar(&g.policy, "fault-policy", envOr("MQRPC_FAULT_POLICY", "propagate"), "swallow, propagate or propagate-after-reconnect")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "Fetch timeout")
	pf.StringVar(&g.metricsAddr, "metrics-addr", envOr("MQRPC_METRICS_ADDR", ""), "Serve Prometheus metrics on this address")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPublishCmd(g),
		newFetchCmd(g),
		newListenCmd(g),
		newQueueCmd(g),
	)
	return rootCmd
}

func newPublishCmd(g *globalFlags) *cobra.Command {
	var exchange string
	cmd := &cobra.Command{
		Use:   "publish <routing-key> [body]",
		Short: "Publish a message without waiting for a reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args)
			if err != nil {
				return err
			}
			return g.run(cmd, func(ctx context.Context, c *mqrpc.Client) error {
				return c.Publish(ctx, args[0], body, mqrpc.Exchange(exchange))
			})
		},
	}
	cmd.Flags().StringVarP(&exchange, "exchange", "e", mqrpc.DefaultExchange, "Exchange to publish to")
	return cmd
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var exchange string
	cmd := &cobra.Command{
		Use:   "fetch <routing-key> [body]",
		Short: "Send a request and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args)
			if err != nil {
				return err
			}
			return g.run(cmd, func(ctx context.Context, c *mqrpc.Client) error {
				reply, err := c.Fetch(ctx, args[0], body, mqrpc.Exchange(exchange))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&exchange, "exchange", "e", mqrpc.DefaultExchange, "Exchange to publish to")
	return cmd
}

func newListenCmd(g *globalFlags) *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "listen <queue...>",
		Short: "Print messages from one or more queues, optionally echoing them back",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return g.run(cmd, func(ctx context.Context, c *mqrpc.Client) error {
				eg, ctx := errgroup.WithContext(ctx)
				for _, queue := range args {
					h := middleware.Chain(printHandler(out, queue, echo), middleware.Tracing(queue))
					eg.Go(func() error {
						return c.Serve(ctx, queue, h)
					})
				}
				return eg.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "Reply with the request body")
	return cmd
}

func newQueueCmd(g *globalFlags) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues",
	}

	var binding string
	declareCmd := &cobra.Command{
		Use:   "declare [name]",
		Short: "Declare a queue and print its name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := bindOptions(binding)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				opts = append(opts, mqrpc.QueueName(args[0]))
			}
			return g.run(cmd, func(ctx context.Context, c *mqrpc.Client) error {
				name, err := c.CreateQueue(ctx, opts...)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
				return err
			})
		},
	}
	declareCmd.Flags().StringVarP(&binding, "bind", "b", "", "Bind the queue with exchange=pattern")

	queueCmd.AddCommand(declareCmd)
	return queueCmd
}

// run builds the client, serves metrics when asked and calls fn until it
// returns or the process is interrupted.
func (g *globalFlags) run(cmd *cobra.Command, fn func(ctx context.Context, c *mqrpc.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(g.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts, err := g.options(logger)
	if err != nil {
		return err
	}

	if g.metricsAddr != "" {
		observer := metrics.NewPrometheusObserver(metrics.Config{ServiceName: "mqrpc", EnableDefaultCollectors: true})
		opts = append(opts, mqrpc.WithObserver(observer))
		srv := &http.Server{Addr: g.metricsAddr, Handler: observer.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("metrics server failed", "addr", g.metricsAddr, "error", err)
			}
		}()
		defer srv.Close()
	}

	transport, err := newTransport(g.transport, opts...)
	if err != nil {
		return err
	}
	client, err := mqrpc.NewClient(transport, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func (g *globalFlags) options(logger *mqrpc.ZapLogger) ([]mqrpc.Option, error) {
	cfg := mqrpc.Config{
		URL:          g.url,
		ClientID:     g.clientID,
		FaultPolicy:  g.policy,
		FetchTimeout: g.timeout,
	}
	if cfg.URL == "" {
		cfg.User = envOr("MQRPC_USER", "guest")
		cfg.Password = envOr("MQRPC_PASSWORD", "guest")
		cfg.Host = envOr("MQRPC_HOST", "")
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return append(opts, mqrpc.WithLogger(logger)), nil
}

func newTransport(name string, opts ...mqrpc.Option) (mqrpc.Transport, error) {
	switch name {
	case "memory":
		return mqrpc.NewMemoryTransport(), nil
	case "rabbitmq", "amqp":
		return rabbitmq.NewTransport(opts...), nil
	case "nats":
		return nats.NewTransport(opts...), nil
	case "kafka":
		return kafka.NewTransport(opts...), nil
	case "redis":
		return redis.NewTransport(opts...), nil
	case "rocketmq":
		return rocketmq.NewTransport(opts...), nil
	}
	return nil, fmt.Errorf("unknown transport %q, want one of %s", name, strings.Join(transports, ", "))
}

func newLogger(verbose bool) (*mqrpc.ZapLogger, error) {
	if !verbose {
		return mqrpc.NewDefaultLogger(), nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return mqrpc.NewZapLogger(l.Named("mqrpc")), nil
}

func printHandler(out io.Writer, queue string, echo bool) mqrpc.Handler {
	return mqrpc.HandlerFunc(func(ctx context.Context, body []byte, props mqrpc.Properties) ([]byte, error) {
		fmt.Fprintf(out, "[%s] correlation=%q reply_to=%q %s\n", queue, props.CorrelationID, props.ReplyTo, body)
		if echo {
			return body, nil
		}
		return nil, nil
	})
}

func bindOptions(binding string) ([]mqrpc.QueueOption, error) {
	if binding == "" {
		return nil, nil
	}
	exchange, pattern, ok := strings.Cut(binding, "=")
	if !ok || exchange == "" || pattern == "" {
		return nil, fmt.Errorf("invalid binding %q, want exchange=pattern", binding)
	}
	return []mqrpc.QueueOption{mqrpc.BindTo(exchange, pattern)}, nil
}

// readBody takes the body from the second argument, or stdin when it is "-"
// or absent and stdin is not a terminal.
func readBody(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 2 && args[1] != "-" {
		return []byte(args[1]), nil
	}
	if len(args) == 1 {
		if f, ok := cmd.InOrStdin().(*os.File); ok {
			if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
				return nil, nil
			}
		}
	}
	return io.ReadAll(cmd.InOrStdin())
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
