package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "GANTRY"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVars("CONFIG"),
		Usage:   "Path to the run configuration file (eg. 'gantry.yaml')",
	}
	ServeOnly = &cli.BoolFlag{
		Name:    "serve-only",
		Value:   false,
		EnvVars: prefixEnvVars("SERVE_ONLY"),
		Usage:   "Start the test server and hold it open instead of running tests",
	}
	MaxConcurrency = &cli.IntFlag{
		Name:    "max-concurrency",
		Value:   0,
		EnvVars: prefixEnvVars("MAX_CONCURRENCY"),
		Usage:   "Maximum number of remote sessions running at once. 0 means unbounded.",
	}
	Grep = &cli.StringFlag{
		Name:    "grep",
		Value:   "",
		EnvVars: prefixEnvVars("GREP"),
		Usage:   "Only run tests whose full id matches this regular expression",
	}
	Bail = &cli.BoolFlag{
		Name:    "bail",
		Value:   false,
		EnvVars: prefixEnvVars("BAIL"),
		Usage:   "Stop a suite's remaining tests after its first failure",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   0,
		EnvVars: prefixEnvVars("DEFAULT_TIMEOUT"),
		Usage:   "Timeout for suites that set none themselves (e.g. '90s', '5m')",
	}
	Port = &cli.IntFlag{
		Name:    "port",
		Value:   0,
		EnvVars: prefixEnvVars("PORT"),
		Usage:   "Test server HTTP port. Overrides the config file value.",
	}
	SocketPort = &cli.IntFlag{
		Name:    "socket-port",
		Value:   0,
		EnvVars: prefixEnvVars("SOCKET_PORT"),
		Usage:   "Dedicated WebSocket result port. Overrides the config file value.",
	}
	LeaveRemoteOpen = &cli.StringFlag{
		Name:    "leave-remote-open",
		Value:   "",
		EnvVars: prefixEnvVars("LEAVE_REMOTE_OPEN"),
		Usage:   "Keep remote sessions open after their suite: 'true', 'false', or 'fail'",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "",
		EnvVars: prefixEnvVars("LOGDIR"),
		Usage:   "Directory to store run logs",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log.level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "The lowest log level that will be output",
	}
	LogColor = &cli.BoolFlag{
		Name:    "log.color",
		Value:   false,
		EnvVars: prefixEnvVars("LOG_COLOR"),
		Usage:   "Color the log output if in terminal mode",
	}
)

var requiredFlags = []cli.Flag{
	ConfigFile,
}

var optionalFlags = []cli.Flag{
	ServeOnly,
	MaxConcurrency,
	Grep,
	Bail,
	DefaultTimeout,
	Port,
	SocketPort,
	LeaveRemoteOpen,
	LogDir,
	LogLevel,
	LogColor,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
