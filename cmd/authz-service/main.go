package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-authz-service/adapters/jetstream"
	"github.com/next-trace/scg-authz-service/config"
	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	"github.com/next-trace/scg-authz-service/httpapi"
	"github.com/next-trace/scg-authz-service/service"
	"github.com/next-trace/scg-authz-service/telemetry"
)

var version = "dev"

const publishTimeout = 15 * time.Second

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	natsURL    string
	httpAddr   string
	logLevel   string
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "authz-service",
		Short:         "JetStream event processor for authorization workflows",
		Long:          "authz-service consumes authz events from NATS JetStream, runs the role and access workflows and publishes their results.",
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The startup line only needs the bus URL; settings used by serve must not suppress it.
			url := f.busURL(cmd, getenv)
			if cfg, err := f.load(cmd, getenv); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			} else {
				url = cfg.NATSURL
			}

			printStartup(cmd.OutOrStdout(), url)

			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file (default: $CONFIG_FILE)")
	pf.StringVar(&f.natsURL, "nats-url", "", "NATS server URL (overrides NATS_URL)")
	pf.StringVar(&f.httpAddr, "http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	root.AddCommand(serveCmd(&f, getenv))
	root.AddCommand(publishCmd(&f, getenv))
	root.AddCommand(versionCmd())

	return root
}

// load resolves the configuration: defaults, YAML file, environment, then flags set on cmd.
func (f *flags) load(cmd *cobra.Command, getenv func(string) string) (*config.Config, error) {
	path := f.configPath
	if path == "" {
		path = getenv("CONFIG_FILE")
	}

	cfg, err := config.Load(path, getenv)
	if err != nil {
		return nil, err
	}

	set := cmd.Flags().Changed
	if set("nats-url") && f.natsURL != "" {
		cfg.NATSURL = f.natsURL
	}

	if set("http-addr") {
		cfg.HTTPAddr = f.httpAddr
	}

	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}

	return cfg, cfg.Validate()
}

// busURL resolves the NATS URL from the --nats-url flag and the environment without reading the
// rest of the configuration.
func (f *flags) busURL(cmd *cobra.Command, getenv func(string) string) string {
	if cmd.Flags().Changed("nats-url") && f.natsURL != "" {
		return f.natsURL
	}

	return config.NATSURL(getenv)
}

func printStartup(w io.Writer, url string) {
	fmt.Fprintf(w, "service starting with NATS: %s\n", url)
}

func serveCmd(f *flags, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd, getenv)
			if err != nil {
				return err
			}

			printStartup(cmd.OutOrStdout(), cfg.NATSURL)

			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			logger.Info("configuration loaded", "config", cfg.Redacted())

			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return svc.Run(ctx)
		},
	}
}

func publishCmd(f *flags, getenv func(string) string) *cobra.Command {
	var (
		eventType     string
		correlationID string
		msgID         string
	)

	cmd := &cobra.Command{
		Use:   "publish <subject> <json>",
		Short: "Publish one event to the JetStream stream and print the receipt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, body := args[0], args[1]
			if !httpapi.ValidSubject(subject) {
				return fmt.Errorf("invalid subject %q", subject)
			}

			var payload map[string]json.RawMessage
			if err := json.Unmarshal([]byte(body), &payload); err != nil || payload == nil {
				return errors.New("payload must be a JSON object")
			}

			cfg, err := f.load(cmd, getenv)
			if err != nil {
				return err
			}

			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
			defer cancel()

			conn, err := jetstream.NewManager(jetstream.Config{URL: cfg.NATSURL, Name: cfg.ServiceName}, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Connect(ctx); err != nil {
				return err
			}

			msg, err := cbus.NewMessage(subject, eventType, json.RawMessage(body))
			if err != nil {
				return err
			}

			if msgID != "" {
				msg.ID = msgID
			}

			msg.CorrelationID = correlationID

			pub := jetstream.NewPublisher(conn,
				jetstream.WithSource(cfg.ServiceName),
				jetstream.WithExpectedStream(cfg.Stream.Name),
				jetstream.WithPropagator(telemetry.NewPropagator()),
				jetstream.WithPublisherLogger(logger),
			)

			rc, err := pub.Publish(ctx, msg, cbus.PublishOptions{})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(map[string]any{
				"id":        msg.ID,
				"subject":   subject,
				"stream":    rc.Stream,
				"sequence":  rc.Sequence,
				"duplicate": rc.Duplicate,
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "event type (default: the subject)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation ID header")
	cmd.Flags().StringVar(&msgID, "id", "", "message ID used for deduplication (default: random UUID)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
