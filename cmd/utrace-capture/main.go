// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command utrace-capture connects to a running target's trace transport,
// resolves decoded packets against a binary's trace-point table, and
// fans the decoded events out to the requested sinks.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tracekit/utrace/config"
	"github.com/tracekit/utrace/inspect"
	"github.com/tracekit/utrace/stream"
	"github.com/tracekit/utrace/stream/broadcast"
	"github.com/tracekit/utrace/tlog"
	"github.com/tracekit/utrace/transport"
	"github.com/tracekit/utrace/viz"
)

var (
	configFile string
	logger     = tlog.Default()
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "utrace-capture <binary>",
		Short: "Capture a live trace session and decode it against a binary's trace-point table",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v, args[0])
		},
	}

	config.BindFlags(rootCmd.Flags(), v)
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a config file (toml/yaml/json)")

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(v *viper.Viper, binary string) error {
	cfg, err := config.Load(v, binary)
	if err != nil {
		return err
	}

	infile, err := inspect.Open(cfg.Binary, nil)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Binary, err)
	}
	defer infile.Close()

	locations, err := infile.Locations()
	if err != nil {
		return fmt.Errorf("reading trace-point table from %s: %w", cfg.Binary, err)
	}
	logger.Infof("resolved %d trace points from %s", len(locations), cfg.Binary)

	src, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	hub := broadcast.NewHub(broadcast.DefaultBufferSize)
	var sinks []io.Closer

	if cfg.Stdout {
		ch := hub.Subscribe()
		go runStdoutSink(ch)
	}
	if cfg.ChrometracingBase != "" {
		vs := viz.NewSink(cfg.ChrometracingBase, cfg.ChrometracingCompress)
		sinks = append(sinks, vs)
		ch := hub.Subscribe()
		go runVizSink(vs, ch)
	}

	parser := stream.NewParser(locations)
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		for ev := range parser.PushAndParse(buf[:n]) {
			hub.Publish(ev)
		}
		if err != nil {
			hub.Close()
			for _, s := range sinks {
				s.Close()
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading capture stream: %w", err)
		}
	}
}

func openSource(cfg config.Config) (transport.Source, error) {
	if cfg.TCPAddr != "" {
		return transport.DialTCP(cfg.TCPAddr)
	}
	return transport.OpenSerial(cfg.SerialPath, cfg.SerialBaud)
}

func runStdoutSink(ch <-chan stream.Event) {
	for ev := range ch {
		switch ev.Kind {
		case stream.Reset:
			fmt.Println("--- reset ---")
		case stream.Point:
			name := "?"
			if ev.TracePoint.Info.Name != nil {
				name = *ev.TracePoint.Info.Name
			}
			fmt.Printf("%d\t%s\t%s\n", ev.Timestamp, ev.TracePoint.Info.Kind, name)
		}
	}
}

func runVizSink(vs *viz.Sink, ch <-chan stream.Event) {
	for ev := range ch {
		if err := vs.Write(ev); err != nil {
			logger.Errorf("writing chrometracing event: %v", err)
		}
	}
}
