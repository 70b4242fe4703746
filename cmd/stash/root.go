package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/gophersatwork/stash"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app carries the global flags and lazily opens the repo for
// subcommands.
type app struct {
	fs         afero.Fs
	root       string
	configFile string
	verbose    bool
	archive    bool
	codec      string
	workers    int

	cfg    Config
	logger *slog.Logger
}

func newRootCmd(fsys afero.Fs) *cobra.Command {
	a := &app{fs: fsys}

	cmd := &cobra.Command{
		Use:   "stash",
		Short: "stash - content-addressed store and incremental file index",
		Long: `stash indexes a directory tree by content. Files with identical bytes
share one id, renamed files are recognised as moved, and unchanged files are
not read again on update. Content can optionally be archived into a
deduplicated store kept next to the index.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.configure(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.root, "root", "C", ".", "Root of the indexed tree")
	flags.StringVar(&a.configFile, "config", "", "Config file (default <root>/.stash/stash.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&a.archive, "archive", false, "Copy new and modified content into the store")
	flags.StringVar(&a.codec, "codec", "", "Index encoding: json or cbor")
	flags.IntVarP(&a.workers, "workers", "j", 0, "Files hashed in parallel (default: number of CPUs)")

	cmd.AddCommand(
		newInitCmd(a),
		newBuildCmd(a),
		newUpdateCmd(a),
		newStatusCmd(a),
		newDupsCmd(a),
		newTreeCmd(a),
		newStatsCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newRmCmd(a),
		newVerifyCmd(a),
		newCleanCmd(a),
		newPruneCmd(a),
		newPropCmd(a),
	)
	return cmd
}

// configure loads the config file and overlays the flags that were set
// explicitly.
func (a *app) configure(cmd *cobra.Command) error {
	path := a.configFile
	if path == "" {
		path = configPath(a.root)
	}
	cfg, err := loadConfig(a.fs, path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("archive") {
		cfg.Archive = a.archive
	}
	if flags.Changed("codec") {
		cfg.Codec = a.codec
	}
	if flags.Changed("workers") {
		cfg.Workers = a.workers
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}
	a.cfg = cfg

	level, err := cfg.level()
	if err != nil {
		return err
	}
	a.logger = newLogger(cmd.ErrOrStderr(), level)
	return nil
}

// open returns the repo for the configured root.
func (a *app) open() (*stash.Repo, error) {
	options, err := a.cfg.options()
	if err != nil {
		return nil, err
	}
	options = append(options, stash.WithFs(a.fs), stash.WithLogger(a.logger))
	return stash.Open(a.root, options...)
}

// newLogger uses a text handler on terminals and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
