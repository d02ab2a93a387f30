package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	serialDev       string
	baud            int
	ifName          string
	verbosity       int
	logToStdout     bool
	foreground      bool
	icmpOnly        bool
	logFormat       string
	metricsAddr     string
	logMetricsEvery time.Duration
}

// verboseFlag counts repeated -v occurrences, matching the "-v increase
// log verbosity (repeatable)" contract.
type verboseFlag int

func (v *verboseFlag) String() string { return strconv.Itoa(int(*v)) }
func (v *verboseFlag) Set(string) error {
	*v++
	return nil
}
func (v *verboseFlag) IsBoolFlag() bool { return true }

func parseFlags(args []string) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("chordtun", flag.ContinueOnError)

	cfg := &appConfig{}
	var verbosity verboseFlag

	serialDev := fs.String("serial", "", "Serial device path (required)")
	baud := fs.Int("baud", 9600, "Serial baud rate")
	ifName := fs.String("i", "", "Requested TUN interface name (empty lets the kernel choose)")
	fs.Var(&verbosity, "v", "Increase log verbosity (repeatable)")
	logToStdout := fs.Bool("E", false, "Log to stdout instead of syslog")
	foreground := fs.Bool("f", false, "Stay in the foreground")
	icmpOnly := fs.Bool("icmp-only", true, "Only compress ICMP datagrams; everything else crosses uncompressed")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.ifName = *ifName
	cfg.verbosity = int(verbosity)
	cfg.logToStdout = *logToStdout
	cfg.foreground = *foreground
	cfg.icmpOnly = *icmpOnly
	cfg.logFormat = *logFormat
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if *showVersion {
		return cfg, true, nil
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices — only checks values/ranges. A
// missing serial device path is always fatal: spec.md §6 requires init to
// fail outright rather than guess a default.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.serialDev == "" {
		return errors.New("serial device path is required (-serial)")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	return nil
}

// applyEnvOverrides maps CHORDTUN_* environment variables to config fields
// unless a corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["serial"]; !ok {
		if v, ok := get("CHORDTUN_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CHORDTUN_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHORDTUN_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["i"]; !ok {
		if v, ok := get("CHORDTUN_IFNAME"); ok && v != "" {
			c.ifName = v
		}
	}
	if _, ok := set["icmp-only"]; !ok {
		if v, ok := get("CHORDTUN_ICMP_ONLY"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.icmpOnly = true
			case "0", "false", "no", "off":
				c.icmpOnly = false
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CHORDTUN_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CHORDTUN_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CHORDTUN_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHORDTUN_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
