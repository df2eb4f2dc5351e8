// Package cli parses the arandu command line: flags, an optional
// subcommand, and the files to open.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

type Command string

const (
	// CommandRun is the implicit default: open the given files in the
	// running instance, or become the instance when none answers.
	CommandRun     Command = "run"
	CommandPing    Command = "ping"
	CommandRecent  Command = "recent"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var subcommands = map[Command]struct{}{
	CommandPing:    {},
	CommandRecent:  {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

type Parsed struct {
	Command    Command
	Files      []string
	ConfigPath string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	flags := pflag.NewFlagSet("arandu", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.SortFlags = false
	configPath := flags.String("config", "", "config file path")
	showVersion := flags.Bool("version", false, "print version information")
	showHelp := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		return Parsed{}, err
	}

	parsed := Parsed{Command: CommandRun, ConfigPath: *configPath}
	if *showHelp {
		parsed.Command = CommandHelp
		parsed.ShowHelp = true
		return parsed, nil
	}
	if *showVersion {
		parsed.Command = CommandVersion
		return parsed, nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return parsed, nil
	}

	if cmd := Command(rest[0]); isSubcommand(cmd) {
		if len(rest) > 1 {
			return Parsed{}, fmt.Errorf("unexpected arguments after command %q", rest[0])
		}
		parsed.Command = cmd
		parsed.ShowHelp = cmd == CommandHelp
		return parsed, nil
	}

	parsed.Files = rest
	return parsed, nil
}

func isSubcommand(cmd Command) bool {
	_, ok := subcommands[cmd]
	return ok
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] [FILE ...]
  %[1]s [flags] <command>

Open FILEs in the running %[1]s instance, starting one when none answers.
With no arguments, surface the window of the running instance instead.

Commands:
  ping      Check whether an instance is answering
  recent    List recently opened files
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/arandu/config.toml)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
