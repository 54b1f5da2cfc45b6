// Command lirc compiles LIR module files into ELF relocatable objects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"golang.org/x/term"

	"github.com/tinyrange/lirc/internal/build"
	"github.com/tinyrange/lirc/internal/codegen"
	"github.com/tinyrange/lirc/internal/config"
	"github.com/tinyrange/lirc/internal/lir"
	"github.com/tinyrange/lirc/internal/lir/lirfile"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "lirc: %v\n", err)
		os.Exit(1)
	}
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string { return strconv.FormatBool(f.v) }

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("lirc", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Build configuration file (default: "+config.DefaultFilename+" when present)")
	arch := fs.String("arch", "", "Target architecture")
	goos := fs.String("os", "", "Target operating system")
	outDir := fs.String("o", "", "Output directory for object files")
	var listing boolFlag
	fs.Var(&listing, "S", "Write an assembly listing next to each object")
	var jobs intFlag
	fs.Var(&jobs, "j", "Modules compiled in parallel (0 = GOMAXPROCS)")
	noOpt := fs.Bool("O0", false, "Disable peephole optimization and scheduling")
	verbose := fs.Bool("v", false, "Enable debug logging")
	initConfig := fs.Bool("init", false, "Write a default "+config.DefaultFilename+" and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lirc [flags] module%s...\n\n", lirfile.Extension)
		fmt.Fprintf(stderr, "Compile LIR modules into ELF relocatable objects.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if *initConfig {
		path := *configPath
		if path == "" {
			path = config.DefaultFilename
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteTemplate(path, config.Default()); err != nil {
			return err
		}
		fmt.Fprintln(stdout, path)
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *arch != "" {
		cfg.Target.Arch = *arch
	}
	if *goos != "" {
		cfg.Target.OS = *goos
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if listing.set {
		cfg.Output.Listing = listing.v
	}
	if jobs.set {
		cfg.Jobs = jobs.v
	}
	if *noOpt {
		off := false
		cfg.Peephole.Enabled = &off
		cfg.Schedule.Enabled = &off
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("no module files given")
	}

	pipeline, err := codegen.New(cfg, logger)
	if err != nil {
		return err
	}

	var modules []*lir.Module
	for _, path := range fs.Args() {
		m, err := lirfile.Load(path, pipeline.Parser())
		if err != nil {
			return err
		}
		logger.Debug("loaded module", "module", m.Ident, "functions", len(m.Closures), "globals", len(m.Globals))
		modules = append(modules, m)
	}

	opts := build.Options{Logger: logger, Pipeline: pipeline}
	if f, ok := stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) && !*verbose {
		opts.Progress = stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	paths, err := build.RunWith(ctx, cfg, modules, opts)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

// loadConfig reads path, or lirc.yaml from the working directory when path is
// empty and the file exists.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultFilename); err != nil {
			return config.Default(), nil
		}
		path = config.DefaultFilename
	}
	return config.Load(path)
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
