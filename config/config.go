package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Well-known scrcpy-server locations probed when scrcpy.server_path is unset.
var scrcpyServerProbePaths = []string{
	"./scrcpy-server",
	"./assets/scrcpy-server",
	"/opt/homebrew/share/scrcpy/scrcpy-server",
	"/usr/local/share/scrcpy/scrcpy-server",
	"/usr/share/scrcpy/scrcpy-server",
}

func init() {
	v = viper.New()

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("adb.path", "")
	v.SetDefault("adb.timeout_sec", 30)

	v.SetDefault("scrcpy.server_path", "")
	v.SetDefault("scrcpy.version", "3.3.3")
	v.SetDefault("scrcpy.remote_path", "/data/local/tmp/scrcpy-server")

	v.SetDefault("stream.port_min", 27183)
	v.SetDefault("stream.port_max", 27283)
	v.SetDefault("stream.max_size", 1280)
	v.SetDefault("stream.bit_rate", 4_000_000)
	v.SetDefault("stream.max_fps", 30)
	v.SetDefault("stream.idr_interval", 1)

	v.SetDefault("screen.interval_ms", 500)

	v.SetDefault("agent.command", "")
	v.SetDefault("agent.max_steps", 100)

	v.SetDefault("history.db_path", "./data/devicegate.db")
	v.SetDefault("history.migrations_path", "./scripts/migrations.sql")

	v.AutomaticEnv()
	v.BindEnv("adb.path", "ADB_PATH")
	v.BindEnv("scrcpy.server_path", "SCRCPY_SERVER_PATH")
	v.BindEnv("http.addr", "HTTP_ADDR")
	v.BindEnv("agent.command", "AGENT_COMMAND")
	v.BindEnv("history.db_path", "HISTORY_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devicegate")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; defaults and env vars apply.
	}
}

// HTTPAddr returns the listen address for the HTTP server.
func HTTPAddr() string { return v.GetString("http.addr") }

// ADBPath returns the configured adb binary path ("" means probe).
func ADBPath() string { return v.GetString("adb.path") }

// ADBTimeoutSec returns the default ADB command timeout in seconds.
func ADBTimeoutSec() int { return v.GetInt("adb.timeout_sec") }

// ScrcpyServerPath resolves the scrcpy-server JAR: explicit config first,
// then well-known locations. Returns "" when nothing is discoverable, in
// which case the screencap fallback is the only available capture source.
func ScrcpyServerPath() string {
	if p := v.GetString("scrcpy.server_path"); p != "" {
		return p
	}
	for _, p := range scrcpyServerProbePaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ScrcpyVersion returns the server version string passed to app_process.
func ScrcpyVersion() string { return v.GetString("scrcpy.version") }

// ScrcpyRemotePath returns the on-device path the server JAR is pushed to.
func ScrcpyRemotePath() string { return v.GetString("scrcpy.remote_path") }

// StreamPortRange returns the local forward port range.
func StreamPortRange() (int, int) {
	return v.GetInt("stream.port_min"), v.GetInt("stream.port_max")
}

// StreamDefaults returns the configured default stream parameters.
func StreamDefaults() (maxSize, bitRate, maxFPS, idrInterval int) {
	return v.GetInt("stream.max_size"), v.GetInt("stream.bit_rate"),
		v.GetInt("stream.max_fps"), v.GetInt("stream.idr_interval")
}

// ScreenIntervalMS returns the screencap fallback capture interval.
func ScreenIntervalMS() int { return v.GetInt("screen.interval_ms") }

// AgentCommand returns the phone-agent subprocess command line ("" disables).
func AgentCommand() string { return v.GetString("agent.command") }

// AgentMaxSteps returns the step limit passed to the phone agent.
func AgentMaxSteps() int { return v.GetInt("agent.max_steps") }

// HistoryDBPath returns the sqlite database path for the history store.
func HistoryDBPath() string { return v.GetString("history.db_path") }

// HistoryMigrationsPath returns the migrations file path.
func HistoryMigrationsPath() string { return v.GetString("history.migrations_path") }
