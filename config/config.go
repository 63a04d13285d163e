// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package config binds the capture CLI's flags, environment variables,
// and optional config file into a single validated Config, following
// the flag/env/file layering an operations CLI needs so a capture
// session can be scripted without retyping every flag.
package config

import (
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix UTRACE_* environment variables are read under,
// e.g. UTRACE_TCP supplies --tcp when that flag is not given.
const EnvPrefix = "UTRACE"

// Config is the fully resolved set of options a capture run needs.
type Config struct {
	Binary string

	TCPAddr    string
	SerialPath string
	SerialBaud uint32

	Stdout               bool
	ChrometracingBase    string
	ChrometracingCompress bool
}

// ErrNoSource is returned when neither --tcp nor --serial was given.
var ErrNoSource = errors.New("config: exactly one of --tcp or --serial is required")

// ErrBothSources is returned when both --tcp and --serial were given.
var ErrBothSources = errors.New("config: --tcp and --serial are mutually exclusive")

// ErrNoSink is returned when no output sink was requested.
var ErrNoSink = errors.New("config: at least one of --stdout or --chrometracing is required")

// BindFlags registers every capture-session flag on fs and binds each to
// viper under the same name, so UTRACE_* environment variables and
// config-file keys of the same name override the flag's default.
func BindFlags(fs *flag.FlagSet, v *viper.Viper) {
	fs.String("tcp", "", "connect to a capture endpoint over TCP, host:port")
	fs.String("serial", "", "read a capture stream from a serial device, e.g. /dev/ttyACM0")
	fs.Uint32("baud", 115200, "baud rate for --serial")
	fs.Bool("stdout", false, "print decoded trace events to stdout")
	fs.String("chrometracing", "", "write a chrome-tracing JSON file with this basename")
	fs.Bool("chrometracing-compress", false, "zstd-compress the chrometracing output")

	v.BindPFlags(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
}

// Load resolves a Config from v (after BindFlags and, if used,
// v.SetConfigFile/ReadInConfig have already run) and validates the
// source/sink exclusivity rules the capture CLI requires. binary is the
// positional argument naming the binary to inspect for its trace-point
// table.
func Load(v *viper.Viper, binary string) (Config, error) {
	cfg := Config{
		Binary:                binary,
		TCPAddr:               v.GetString("tcp"),
		SerialPath:            v.GetString("serial"),
		SerialBaud:            v.GetUint32("baud"),
		Stdout:                v.GetBool("stdout"),
		ChrometracingBase:     v.GetString("chrometracing"),
		ChrometracingCompress: v.GetBool("chrometracing-compress"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	hasTCP := c.TCPAddr != ""
	hasSerial := c.SerialPath != ""

	switch {
	case hasTCP && hasSerial:
		return ErrBothSources
	case !hasTCP && !hasSerial:
		return ErrNoSource
	}

	if !c.Stdout && c.ChrometracingBase == "" {
		return ErrNoSink
	}

	if c.Binary == "" {
		return fmt.Errorf("config: a binary argument is required")
	}
	return nil
}
