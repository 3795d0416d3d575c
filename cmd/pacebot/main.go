package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"pacebot/internal/app"
	"pacebot/internal/faults"
	logx "pacebot/pkg/logx"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK          = 0
	exitFatal       = 1
	exitUsage       = 2
	exitFailures    = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("pacebot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: pacebot -c FILE [-t FILE] [-test] [-log-level LEVEL] [-version]")
		fs.PrintDefaults()
	}

	var opts app.Options
	var showVersion bool
	fs.StringVar(&opts.ConfigPath, "c", "", "path to config file (json or yaml)")
	fs.StringVar(&opts.ConfigPath, "config", "", "alias for -c")
	fs.StringVar(&opts.TweetsPath, "t", "", "read messages from this file instead of the spreadsheet")
	fs.StringVar(&opts.TweetsPath, "tweets", "", "alias for -t")
	fs.BoolVar(&opts.DryRun, "test", false, "dry run: log messages instead of publishing, no waits")
	fs.StringVar(&opts.LogLevel, "log-level", "", "override logging.level")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if showVersion {
		fmt.Fprintln(stderr, "pacebot", version)
		return exitOK
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return exitUsage
	}
	if opts.ConfigPath == "" {
		fmt.Fprintln(stderr, "missing -c")
		fs.Usage()
		return exitUsage
	}
	if err := readable(opts.ConfigPath); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		fs.Usage()
		return exitUsage
	}
	if opts.TweetsPath != "" {
		if err := readable(opts.TweetsPath); err != nil {
			fmt.Fprintf(stderr, "tweets: %v\n", err)
			fs.Usage()
			return exitUsage
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, opts)
	if err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return exitFatal
	}
	defer a.Close()

	rep, err := a.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		a.Logger().Warn("interrupted")
		return exitInterrupted
	case faults.Fatal(err):
		a.Logger().Error("run aborted", logx.Err(err))
		fmt.Fprintln(stderr, "fatal:", err)
		return exitFatal
	case err != nil:
		a.Logger().Error("run stopped", logx.Err(err))
		fmt.Fprintln(stderr, "error:", err)
		return exitFatal
	}
	if rep != nil && (rep.Failed > 0 || rep.Skipped > 0) && a.FailExitCode() {
		return exitFailures
	}
	return exitOK
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
