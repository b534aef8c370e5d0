// Command vireo realizes a machine from a YAML description and runs its
// device core until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/vireo-vmm/vireo/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vireo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description (YAML)")
	validate := flag.Bool("validate", false, "Validate the configuration and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config machine.yaml [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	cfg, err := machine.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *validate {
		fmt.Println("configuration ok")
		return nil
	}

	opts := machine.Options{
		ConsoleOutput: os.Stdout,
		Log:           slog.Default(),
	}

	// A console device gets the host terminal: raw mode so guest line
	// discipline applies, and the real window size.
	if hasConsole(cfg) && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		opts.ConsoleInput = os.Stdin
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			for i := range cfg.Devices {
				d := &cfg.Devices[i]
				if d.Kind == "console" && d.Cols == 0 && d.Rows == 0 {
					d.Cols = uint16(cols)
					d.Rows = uint16(rows)
				}
			}
		}
	}

	m, err := machine.New(cfg, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("machine up", "devices", len(m.Devices()))
	return m.Run(ctx)
}

func hasConsole(cfg machine.Config) bool {
	for _, d := range cfg.Devices {
		if d.Kind == "console" {
			return true
		}
	}
	return false
}
