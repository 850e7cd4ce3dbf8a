// Command deckctl drives a controldeck server the way the tablet does.
//
// Usage:
//
//	deckctl [flags] press <controlId> [value]
//	deckctl [flags] select <profileId>
//	deckctl [flags] push <profile.json>
//	deckctl [flags] watch
//
// Each command prints the server's ack as JSON, then the connection metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazyhaar/controldeck/client"
	"github.com/hazyhaar/controldeck/config"
	"github.com/hazyhaar/controldeck/observability"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to controldeck.yaml (client section)")
	url := flag.String("url", "", "websocket URL (overrides config)")
	token := flag.String("token", "", "bearer token (overrides config)")
	controlType := flag.String("type", "button", "control type for press")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline for one-shot commands")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: deckctl [flags] press|select|push|watch [args]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	if *token != "" {
		cfg.Client.Token = *token
	}
	level, err := observability.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := observability.NewLogger(os.Stderr, level, "deckctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cmd{cfg: cfg.Client, logger: logger, controlType: *controlType, timeout: *timeout}
	if err := c.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("deckctl: failed", "error", err)
		os.Exit(1)
	}
}

type cmd struct {
	cfg         config.ClientConfig
	logger      *slog.Logger
	controlType string
	timeout     time.Duration
}

func (c cmd) run(ctx context.Context, verb string, args []string) error {
	var send func(context.Context, *client.Manager) (*client.Pending, error)
	switch verb {
	case "press":
		if len(args) < 1 {
			return errors.New("press: missing control id")
		}
		value := 1.0
		if len(args) > 1 {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("press: value: %w", err)
			}
			value = v
		}
		send = func(ctx context.Context, m *client.Manager) (*client.Pending, error) {
			return m.SendControl(ctx, args[0], c.controlType, value, nil)
		}
	case "select":
		if len(args) < 1 {
			return errors.New("select: missing profile id")
		}
		send = func(ctx context.Context, m *client.Manager) (*client.Pending, error) {
			return m.SelectProfile(ctx, args[0], nil, nil)
		}
	case "push":
		if len(args) < 1 {
			return errors.New("push: missing profile file")
		}
		p, err := readProfile(args[0])
		if err != nil {
			return err
		}
		send = func(ctx context.Context, m *client.Manager) (*client.Pending, error) {
			return m.UpdateProfile(ctx, p)
		}
	case "watch":
	default:
		return fmt.Errorf("unknown command %q", verb)
	}

	m := client.New(
		client.WithConfig(client.Config{
			HeartbeatInterval: c.cfg.HeartbeatInterval,
			BaseDelay:         c.cfg.BaseDelay,
			MaxDelay:          c.cfg.MaxDelay,
			MaxAttempts:       c.cfg.MaxAttempts,
			AckTimeout:        c.cfg.AckTimeout,
		}),
		client.WithLogger(c.logger),
		client.OnStateChange(func(from, to client.State) {
			c.logger.Info("deckctl: state", "from", from.String(), "to", to.String())
		}),
		client.OnMessage(func(a *protocol.Ack) { printJSON(a) }),
	)
	defer m.Disconnect()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	if send == nil {
		return c.watch(ctx, m, header)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	m.Connect(ctx, c.cfg.URL, header)
	if err := m.Ready(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	p, err := send(ctx, m)
	if err != nil {
		return err
	}
	ack, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	printJSON(ack)
	printJSON(m.Metrics())
	if ack.Status == "error" {
		return fmt.Errorf("server: %s", ack.Error)
	}
	return nil
}

// watch keeps the connection alive, printing metrics every heartbeat, until
// interrupted or the manager gives up.
func (c cmd) watch(ctx context.Context, m *client.Manager, header http.Header) error {
	m.Connect(ctx, c.cfg.URL, header)
	every := c.cfg.HeartbeatInterval
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			printJSON(m.Metrics())
			return nil
		case <-t.C:
			if m.State() == client.StateFailed {
				return m.Err()
			}
			printJSON(m.Metrics())
		}
	}
}

func readProfile(path string) (*profiles.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p profiles.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
