package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	call "github.com/vango-go/vai-call/sdk"
)

type consoleConfig struct {
	room          string
	identity      string
	tokenEndpoint string
	serverURL     string
	metricsAddr   string
	verbose       bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags(args []string, errOut io.Writer) (consoleConfig, error) {
	fs := flag.NewFlagSet("vai-call", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var cfg consoleConfig
	fs.StringVar(&cfg.room, "room", envOr("VAI_ROOM", "dispatch"), "room to join")
	fs.StringVar(&cfg.identity, "identity", envOr("VAI_IDENTITY", "caller"), "participant identity")
	fs.StringVar(&cfg.tokenEndpoint, "token-url", envOr("VAI_TOKEN_URL", "http://127.0.0.1:8790/api/get-token"), "token service endpoint")
	fs.StringVar(&cfg.serverURL, "server-url", os.Getenv("VAI_ROOM_SERVER_URL"), "room server URL (overrides the token response)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", os.Getenv("VAI_METRICS_ADDR"), "serve /metrics on this address (empty disables)")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return consoleConfig{}, err
	}
	return cfg, nil
}

func runConsole(ctx context.Context, cfg consoleConfig, in io.Reader, out, errOut io.Writer, colored bool) error {
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	metrics := call.NewMetrics("")
	opts := []call.Option{
		call.WithRoom(cfg.room),
		call.WithIdentity(cfg.identity),
		call.WithTokenEndpoint(cfg.tokenEndpoint),
		call.WithLogger(logger),
		call.WithMetrics(metrics),
	}
	if cfg.serverURL != "" {
		opts = append(opts, call.WithServerURL(cfg.serverURL))
	}
	ctrl := call.NewController(opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("controller stopped", "error", err)
		}
	}()

	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	r := newRenderer(out, newConsoleStyles(colored))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ctrl.Updates():
				r.render(ctrl.Snapshot())
			}
		}
	}()

	fmt.Fprintf(out, "vai-call console: room=%s identity=%s (/help for commands)\n", cfg.room, cfg.identity)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if handleCommand(ctrl, scanner.Text(), out) {
			break
		}
		if runCtx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("read input: %w", err)
	}

	ctrl.EndCall()
	cancel()
	wg.Wait()
	fmt.Fprintln(out, "bye")
	return nil
}

func runMain(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	_ = godotenv.Load(".env.local")

	cfg, err := parseFlags(args, errOut)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	colored := false
	if f, ok := out.(*os.File); ok {
		colored = term.IsTerminal(int(f.Fd()))
	}

	if err := runConsole(ctx, cfg, in, out, errOut, colored); err != nil {
		fmt.Fprintf(errOut, "vai-call: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
