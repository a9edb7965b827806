// diagctl is the control CLI for diagd.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"diagd/internal/config"
	"diagd/internal/diagnostics"
	"diagd/internal/ipc"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "write":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: diagctl write <stream> <text...>")
			os.Exit(1)
		}
		err = cmdWrite(args[0], strings.Join(args[1:], " "))
	case "share":
		err = cmdShare(streamArg(args))
	case "save":
		err = cmdSave(streamArg(args))
	case "tail":
		err = cmdTail(args)
	case "mask":
		err = cmdMask(args)
	case "show-error":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: diagctl show-error <title> <text...>")
			os.Exit(1)
		}
		err = cmdShowError(args[0], strings.Join(args[1:], " "))
	case "status":
		err = cmdStatus()
	case "ping":
		err = cmdPing()
	case "export":
		err = cmdExport(streamArg(args))
	case "verify":
		err = cmdVerify()
	case "init-config":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		err = cmdInitConfig(path)
	case "version":
		fmt.Printf("diagctl %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "  Tip: start the daemon with: diagd")
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `diagctl - Control utility for diagd

Usage: diagctl [options] <command> [args]

Commands:
  write <stream> <text...>      Append a line to a channel
  share [stream]                Export a channel and open the share dialog
  save [stream]                 Export a channel to the downloads directory
  tail [-n N] [stream]          Print the newest buffered lines
  mask [-stream S] <text...>    Show text as a channel would display it
  show-error <title> <text...>  Raise a diagnostics notice
  status                        Show daemon and channel status
  ping                          Check that the daemon answers
  export [stream]               Export a channel mirror without the daemon
  verify                        Check managed exports against the index
  init-config [path]            Write the default configuration
  version                       Print version
  help                          Show this help message

Streams are "whisper" (default) and "theme".

Options:
  -config <path>  Path to config file (default: config.toml in the config directory)`)
}

// streamArg returns the first argument, or the default stream name.
func streamArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return strings.ToLower(diagnostics.DefaultStream.String())
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
