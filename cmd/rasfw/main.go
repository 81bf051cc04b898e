// Command rasfw tests, extracts and creates MSTC RAS firmware images.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rasfw/rasfw/internal/catalog"
	"github.com/rasfw/rasfw/internal/config"
	"github.com/rasfw/rasfw/internal/fileio"
	"github.com/rasfw/rasfw/internal/firmware"
	"github.com/rasfw/rasfw/internal/logging"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks a bad invocation
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// app holds state shared by all commands
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg       *config.Config
	helpShown bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{} // cobra falls back to os.Args on nil
	}

	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteC()
	if err == nil {
		if a.helpShown {
			return exitUsage
		}
		return exitOK
	}

	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fmt.Fprint(stderr, cmd.UsageString())
		return exitUsage
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rasfw",
		Short:         "MSTC RAS firmware image tool",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unknown command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageErrorf("no command given")
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format (console, json)")

	// Help is a usage request and exits like any other usage error
	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		a.helpShown = true
		defaultHelp(cmd, args)
	})

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})

	root.AddCommand(
		newTestCmd(a),
		newExtractCmd(a),
		newCreateCmd(a),
		newInspectCmd(a),
		newServeCmd(a),
		newCatalogCmd(a),
	)

	return root
}

// setup loads the config and configures logging
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}

	if err := logging.SetupWriter(cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return usageErrorf("%v", err)
	}

	a.cfg = cfg
	return nil
}

// fileStore returns the file source and sink configured for outputs
func (a *app) fileStore() *fileio.OS {
	return &fileio.OS{
		Perm: os.FileMode(a.cfg.Output.FileMode),
		Sync: a.cfg.Output.Fsync,
	}
}

// openCatalog opens the configured catalog, or returns nil if it is disabled
func (a *app) openCatalog() (*catalog.Catalog, error) {
	if !a.cfg.Catalog.Enabled {
		return nil, nil
	}
	return catalog.Open(a.cfg.Catalog.Dir)
}

// newManager builds a manager over the local filesystem. The returned close
// function releases the catalog, if one was opened. A catalog that cannot be
// opened only disables recording.
func (a *app) newManager() (*firmware.Manager, func()) {
	files := a.fileStore()

	cat, err := a.openCatalog()
	if err != nil {
		log.Warn().Err(err).Str("dir", a.cfg.Catalog.Dir).Msg("catalog unavailable, images will not be recorded")
	}
	if cat == nil {
		return firmware.NewManager(files, files, nil), func() {}
	}

	return firmware.NewManager(files, files, cat), func() { cat.Close() }
}

// exactArgs is cobra.ExactArgs reporting a usage error
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}
