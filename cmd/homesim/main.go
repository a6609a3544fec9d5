// Homesim simulates a small MQTT smart home: a temperature sensor and a
// motion sensor publish synthetic readings, a controller switches a
// light on motion, and a web dashboard shows the live state.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one the
// built-in defaults are used.
//
// Usage:
//
//	homesim run                          Run every enabled role in one process
//	homesim sensor temperature|motion    Run a single sensor
//	homesim controller                   Run the light controller
//	homesim dashboard                    Run the dashboard
//	homesim init [dir]                   Write an example config
//	homesim version                      Print version and build information
//	homesim -o json version              Output version information as JSON
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

	"github.com/nugget/homesim/internal/buildinfo"
	"github.com/nugget/homesim/internal/config"
)

// main builds the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// caller prints a returned error to stderr. Arguments are parsed by
// hand because the flag package's globals get in the way of running
// run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runRoles(ctx, stdout, stderr, configPath, nil)
	case "sensor":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: homesim sensor temperature|motion")
		}
		switch cmdArgs[0] {
		case roleTemperature, roleMotion:
			return runRoles(ctx, stdout, stderr, configPath, []string{cmdArgs[0]})
		}
		return fmt.Errorf("unknown sensor: %q (expected temperature or motion)", cmdArgs[0])
	case "controller":
		return runRoles(ctx, stdout, stderr, configPath, []string{roleController})
	case "dashboard":
		return runRoles(ctx, stdout, stderr, configPath, []string{roleDashboard})
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "homesim - MQTT smart home simulator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: homesim [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                         Run every enabled role in one process")
	fmt.Fprintln(w, "  sensor temperature|motion   Run a single sensor")
	fmt.Fprintln(w, "  controller                  Run the light controller")
	fmt.Fprintln(w, "  dashboard                   Run the web dashboard")
	fmt.Fprintln(w, "  init [dir]                  Write an example config (default: .)")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/homesim/config.yaml, /etc/homesim/config.yaml")
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig finds and loads the config file. When no file is found
// and none was named explicitly, the built-in defaults are returned
// with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit == "" && errors.Is(err, config.ErrNotFound) {
			return config.Default(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
