// Package cli implements the chartdiag commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/internal/config"
)

// app carries state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	logFile string
	verbose bool

	cfg     config.Config
	logger  *slog.Logger
	closers []io.Closer

	// opts are appended to every manager this invocation creates.
	opts []chartgpu.Option
}

// Execute runs chartdiag with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree. opts are passed to every
// chartgpu.Manager the commands create.
func NewRootCommand(opts ...chartgpu.Option) *cobra.Command {
	a := &app{opts: opts}
	root := &cobra.Command{
		Use:           "chartdiag",
		Short:         "Probe, test and benchmark chart rendering backends",
		Long:          `chartdiag reports which rendering backends work on this machine, how compatible the environment is, and how fast each backend renders a synthetic chart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $CHARTGPU_CONFIG)")
	pf.StringVar(&a.logFile, "log-file", "", "also write logs to this file, rotated")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newProbeCmd(a),
		newCompatCmd(a),
		newBenchCmd(a),
		newDumpCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logFile != "" {
		cfg.LogFile = a.logFile
	}

	level := cfg.Level()
	if a.verbose {
		level = slog.LevelDebug
	}

	// stdout is reserved for command output.
	w := cmd.ErrOrStderr()
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			slog.Debug("log directory creation failed", "error", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     14,
			Compress:   true,
		}
		a.closers = append(a.closers, lj)
		w = io.MultiWriter(w, lj)
	}

	a.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	chartgpu.SetLogger(a.logger)
	a.cfg = cfg
	a.logger.Debug("configuration loaded",
		"config", a.cfgFile,
		"backends", cfg.Renderer.Backends,
		"quality", cfg.Renderer.Quality,
		"memory_budget", cfg.Renderer.MemoryBudget,
	)
	return nil
}

func (a *app) close() error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c.Close())
	}
	a.closers = nil
	return err
}

func (a *app) manager() (*chartgpu.Manager, error) {
	opts := append([]chartgpu.Option{chartgpu.WithLogger(a.logger)}, a.opts...)
	return chartgpu.NewManager(a.cfg.Renderer, opts...)
}

func (a *app) cleanup(m *chartgpu.Manager) {
	if err := m.Cleanup(); err != nil {
		a.logger.Warn("cleanup failed", "error", err)
	}
}

// printer formats numbers with digit grouping.
var printer = message.NewPrinter(language.English)

// encode writes v as json or yaml. Any other format calls text.
func encode(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return text(w)
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}
