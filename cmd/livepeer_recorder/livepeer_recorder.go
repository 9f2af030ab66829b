/*
Livepeer recorder cuts a live RTSP stream into consecutively numbered
segment files.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/livepeer/go-recorder/cmd/livepeer_recorder/starter"
	"github.com/peterbourgon/ff/v3"
)

// Version is set at build time with -ldflags
var Version = "undefined"

func main() {
	// Override the default flag set since there are dependencies that
	// incorrectly add their own flags (specifically, due to the 'testing'
	// package being linked)
	flag.Set("logtostderr", "true")
	vFlag := flag.Lookup("v")
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	// Values in .env become environment defaults; real env wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		glog.Warningf("Could not load .env err=%q", err)
	}

	cfg := parseRecorderConfig()

	// Config file and LP_RECORDER_* env vars fill flags not set on the command line
	_ = flag.String("config", "", "Config file in the format 'key value', flags and env vars take precedence over the config file")
	err := ff.Parse(flag.CommandLine, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithEnvVarPrefix("LP_RECORDER"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		glog.Exit("Error parsing config: ", err)
	}

	if vFlag != nil {
		vFlag.Value.Set(*verbosity)
	}

	if *version {
		fmt.Println("Livepeer Recorder Version: " + Version)
		return
	}
	cfg.Version = Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-c
		glog.Infof("Exiting recorder: %v", sig)
		cancel()
	}()

	if err := starter.StartRecorder(ctx, cfg); err != nil {
		glog.Errorf("Recorder exited with error: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

var (
	version   *bool
	verbosity *string
)

func parseRecorderConfig() starter.RecorderConfig {
	cfg := starter.NewRecorderConfig(flag.CommandLine)
	version = flag.Bool("version", false, "Print out the version")
	verbosity = flag.String("v", "3", "Log verbosity.  {4|5|6}")
	return cfg
}
