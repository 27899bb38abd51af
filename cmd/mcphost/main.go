package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
	"github.com/Mindburn-Labs/mcphost/pkg/store"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "trust":
		return runTrustCmd(args[2:], stdout, stderr)
	case "authority":
		return runAuthorityCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "mcphost %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%smcphost %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sTrust-tiered security for MCP tool servers.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  mcphost <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "TRUST STORE")
	printCommand(w, "trust list", "List server certificates")
	printCommand(w, "trust show", "Show one certificate (<server>)")
	printCommand(w, "trust tier", "Print a server's tier, issuing a certificate if needed")
	printCommand(w, "trust trust", "Mark a server trusted (<server>)")
	printCommand(w, "trust untrust", "Demote a server to unverified (<server>)")
	printCommand(w, "trust verify", "Stamp a server verified (<server> [--authority fp])")
	printCommand(w, "trust remove", "Delete a server certificate (<server>)")
	printCommand(w, "authority", "List or add certificate authorities (list|add)")

	printSection(w, "HOST")
	printCommand(w, "serve", "Run the control API and the secure response channel")
	printCommand(w, "doctor", "Check configuration and store connectivity")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")

	printSection(w, "COMMON FLAGS")
	fmt.Fprintln(w, "  --config <path>  YAML configuration file (environment overrides it)")
	fmt.Fprintln(w, "  --json           Machine-readable output")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-15s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	jsonOut    bool
}

func newFlagSet(name string, stderr io.Writer, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&common.configPath, "config", "", "path to a YAML config file")
	fs.BoolVar(&common.jsonOut, "json", false, "print machine-readable JSON")
	return fs
}

// parseFlags returns an exit code when the command should stop.
func parseFlags(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// openTrustStore opens the configured persistence and the store over it.
func openTrustStore(ctx context.Context, cfg *config.Config, opts ...trust.Option) (*trust.Store, io.Closer, error) {
	p, closer, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]trust.Option{trust.WithValidity(cfg.Trust.CertValidity)}, opts...)
	s, err := trust.Open(ctx, p, opts...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("open trust store: %w", err)
	}
	return s, closer, nil
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func fail(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintf(stderr, "%sError:%s %s\n", ColorRed, ColorReset, fmt.Sprintf(format, args...))
	return 1
}
