package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/factorylens/aoitrack/cmd"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/logging"
	"github.com/factorylens/aoitrack/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Settings feed the command constructors, so --config has to be
	// honored before cobra gets to parse anything.
	if path := configFlagValue(os.Args[1:]); path != "" {
		conf.SetConfigFile(path)
	}

	// Configuration must exist before logging so file loggers can pick
	// up rotation settings.
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		return 1
	}

	logging.Init()

	// Crash reporting is opt-in. A failed setup never blocks startup.
	if err := telemetry.Init(settings); err != nil {
		logging.Warn("Crash reporting unavailable", "error", err)
	}
	defer telemetry.Flush()

	if err := cmd.RootCommand(settings).Execute(); err != nil {
		return 1
	}
	return 0
}

// configFlagValue extracts --config from raw arguments, accepting both
// "--config path" and "--config=path".
func configFlagValue(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}
