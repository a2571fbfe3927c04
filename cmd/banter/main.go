// Banter is a chat bot for a livestream chat room.
//
// It answers mentions with short completions from an OpenAI-compatible
// provider, filters every reply through the outbound spam checks, and
// runs a handful of admin commands. A status API and an optional MQTT
// publisher expose the running session. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	banter serve             Connect to chat and run the bot
//	banter check <text>      Run the outbound spam checks on text
//	banter init [dir]        Write a starter config and prompt files
//	banter version           Print version and build information
//	banter -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/banter/internal/buildinfo"
	"github.com/nugget/banter/internal/config"
	"github.com/nugget/banter/internal/denylist"
	"github.com/nugget/banter/internal/moderation"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// tests can drive it: ctx bounds the process lifetime, logs and command
// output go to stdout, and args is os.Args[1:]. Flags are parsed by
// hand because the flag package keeps global state.
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
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "check":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: banter check <text>")
		}
		return runCheck(stdout, configPath, outputFmt, strings.Join(cmdArgs, " "))
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Banter - livestream chat bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: banter [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Connect to chat and run the bot")
	fmt.Fprintln(w, "  check <text>  Run the outbound spam checks on text")
	fmt.Fprintln(w, "  init [dir]    Write a starter config and prompt files (default: .)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/banter/config.yaml, /etc/banter/config.yaml")
	return nil
}

// runCheck classifies text with the configured thresholds, static
// phrases and link guard. It never touches the network, so the remote
// phrase list and reply history are not consulted. Without a config
// file the built-in defaults apply.
func runCheck(w io.Writer, configPath, outputFmt, text string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}

	classifier := moderation.NewClassifier(
		moderation.ThresholdsFromConfig(cfg.Moderation),
		denylist.Parse(cfg.Moderation.ExtraPhrases),
		nil,
		newLogger(io.Discard, slog.LevelInfo, "text"),
	)
	filter := moderation.NewFilter(classifier, moderation.NewLinkGuard(cfg.Moderation.LinkGuardKeywords...))
	verdict := filter.Check(text)

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(verdict)
	}
	if !verdict.Reject {
		fmt.Fprintln(w, "ok")
		return nil
	}
	fmt.Fprintf(w, "rejected: %s\n", strings.Join(verdict.Checks, ", "))
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
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

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// loadConfigOrDefault is loadConfig for commands that can run on the
// built-in defaults. An explicit path that is missing or invalid is
// still an error.
func loadConfigOrDefault(explicit string) (*config.Config, error) {
	if explicit == "" {
		if _, err := config.FindConfig(""); err != nil {
			return config.Default(), nil
		}
	}
	cfg, _, err := loadConfig(explicit)
	return cfg, err
}
