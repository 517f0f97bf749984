// Package command provides the whereami CLI. The root command starts a
// one-shot loopback handshake server, opens the browser on it and prints
// the location the browser reports.
//
//	./whereami [--timeout 2m] [--no-browser] [--json]
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ukydev/whereami/internal/config"
	"github.com/ukydev/whereami/internal/locator"
	"github.com/ukydev/whereami/internal/models"
	"github.com/ukydev/whereami/internal/publish"
)

// ErrNoLocation is returned when the session ended without a report.
var ErrNoLocation = errors.New("no location received")

const rule = "============================================================"

type options struct {
	envFile      string
	addr         string
	timeout      time.Duration
	launchDelay  time.Duration
	logLevel     string
	noBrowser    bool
	closeBrowser bool
	jsonOutput   bool
}

// NewRootCmd builds the root command.
func NewRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "whereami",
		Short: "Print the current location as reported by the browser",
		Long: `whereami starts a local HTTP server on the loopback interface,
opens the default browser on it and waits for the page to report the
position obtained through the browser's geolocation API. The first
valid report ends the session.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.envFile, "env-file", ".env", "optional env file with WHEREAMI_* settings")
	f.StringVar(&opts.addr, "addr", "", "loopback address to listen on, e.g. 127.0.0.1:3030 or [::1]:3030 (default 127.0.0.1:3030)")
	f.DurationVar(&opts.timeout, "timeout", 0, "give up after this long; 0 waits indefinitely")
	f.DurationVar(&opts.launchDelay, "launch-delay", 0, "delay before the browser is opened")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.noBrowser, "no-browser", false, "do not open a browser; print the URL only")
	f.BoolVar(&opts.closeBrowser, "close-browser", false, "try to close the browser after a location is received")
	f.BoolVar(&opts.jsonOutput, "json", false, "print the location as JSON")
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetOutput(cmd.ErrOrStderr())
	logger := log.WithField("app", "whereami")

	out := cmd.OutOrStdout()
	if !opts.jsonOutput {
		fmt.Fprintln(out, "Starting location lookup...")
		fmt.Fprintln(out, rule)
	}

	lopts := []locator.Option{
		locator.WithLogger(logger),
		locator.OnListen(func(url string) {
			if !opts.jsonOutput {
				fmt.Fprintf(out, "Waiting for the browser at %s\n", url)
			}
		}),
	}
	if cfg.MQTT.Broker != "" {
		lopts = append(lopts, locator.WithPublisher(publish.NewMQTTPublisher(cfg.MQTT, logger)))
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()

	loc, err := locator.New(*cfg, lopts...).Acquire(ctx)
	if err != nil {
		return err
	}
	if loc == nil {
		return ErrNoLocation
	}

	if opts.jsonOutput {
		return json.NewEncoder(out).Encode(loc)
	}
	printLocation(out, *loc, time.Now())
	return nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = opts.addr
	}
	if f.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if f.Changed("launch-delay") {
		cfg.Browser.LaunchDelay = opts.launchDelay
	}
	if f.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(opts.logLevel)
	}
	if f.Changed("no-browser") {
		cfg.Browser.Open = !opts.noBrowser
	}
	if f.Changed("close-browser") {
		cfg.Browser.Close = opts.closeBrowser
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printLocation(w io.Writer, loc models.Location, at time.Time) {
	fmt.Fprintf(w, "\n[%s] Location received:\n", at.Format("2006-01-02 15:04:05"))
	v := loc.Values()
	fmt.Fprintf(w, "  Latitude:    %.8f°\n", v[0])
	fmt.Fprintf(w, "  Longitude:   %.8f°\n", v[1])
	fmt.Fprintf(w, "  Accuracy:    %.2fm\n", v[2])
	fmt.Fprintf(w, "  Google Maps: %s\n", loc.MapURL())
	fmt.Fprintln(w, rule)
}
