// Package cli wires the stripe commands: flags and configuration through
// cobra and viper, exit statuses through xerrors.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/dirstripe/pkg/fec"
	"github.com/jacktea/dirstripe/pkg/fs"
	"github.com/jacktea/dirstripe/pkg/ledger"
	"github.com/jacktea/dirstripe/pkg/logging"
	"github.com/jacktea/dirstripe/pkg/naming"
	"github.com/jacktea/dirstripe/pkg/stripe"
	"github.com/jacktea/dirstripe/pkg/xerrors"
)

// Config is the resolved configuration of one invocation.
type Config struct {
	Suffix      string
	BlockSize   int
	Compression fec.Compression
	Concurrency int
	WorkDir     string
	Ledger      string
	Strict      bool
	Force       bool
	Verbose     bool
	Debug       bool
}

type app struct {
	v       *viper.Viper
	cfgFile string
	stderr  io.Writer

	cfg    Config
	fsys   *fs.FS
	log    *zap.Logger
	ledger *ledger.Store
}

func newApp(stderr io.Writer) *app {
	if stderr == nil {
		stderr = os.Stderr
	}
	return &app{v: viper.New(), stderr: stderr}
}

func (a *app) initConfig() error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.SetConfigName("stripe")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "stripe"))
		}
	}
	v.SetEnvPrefix("STRIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (a *app) bindConfig(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// initFlags registers the flags every stripe command shares.
func (a *app) initFlags(flags *pflag.FlagSet) {
	flags.StringVar(&a.cfgFile, "config", "", "config file (TOML or YAML)")
	flags.BoolP("force", "f", false, "replace existing chunk files or destination")
	flags.BoolP("verbose", "v", false, "report progress")
	flags.BoolP("debug", "d", false, "report per-file and per-chunk detail")
	flags.String("suffix", naming.DefaultSuffix, "chunk file extension")
	flags.Int("block-size", fec.DefaultBlockSize, "bytes per share per stripe")
	flags.String("compression", "none", "chunk payload compression: none|zstd|lz4")
	flags.Int("concurrency", 1, "files coded in parallel")
	flags.String("work-dir", "", "parent directory for staging areas")
	flags.String("ledger", "", "path to the run history database (disabled when empty)")

	a.bindConfig("force", flags.Lookup("force"))
	a.bindConfig("verbose", flags.Lookup("verbose"))
	a.bindConfig("debug", flags.Lookup("debug"))
	a.bindConfig("suffix", flags.Lookup("suffix"))
	a.bindConfig("block_size", flags.Lookup("block-size"))
	a.bindConfig("compression", flags.Lookup("compression"))
	a.bindConfig("concurrency", flags.Lookup("concurrency"))
	a.bindConfig("work_dir", flags.Lookup("work-dir"))
	a.bindConfig("ledger", flags.Lookup("ledger"))
}

func (a *app) initStrictFlag(flags *pflag.FlagSet) {
	flags.Bool("strict", false, "fail on unreadable chunks instead of ignoring them")
	a.bindConfig("strict", flags.Lookup("strict"))
}

// setup resolves the configuration and builds the shared collaborators.
func (a *app) setup() error {
	if err := a.initConfig(); err != nil {
		return err
	}
	v := a.v
	compression, err := fec.ParseCompression(v.GetString("compression"))
	if err != nil {
		return err
	}
	a.cfg = Config{
		Suffix:      v.GetString("suffix"),
		BlockSize:   v.GetInt("block_size"),
		Compression: compression,
		Concurrency: v.GetInt("concurrency"),
		WorkDir:     v.GetString("work_dir"),
		Ledger:      v.GetString("ledger"),
		Strict:      v.GetBool("strict"),
		Force:       v.GetBool("force"),
		Verbose:     v.GetBool("verbose"),
		Debug:       v.GetBool("debug"),
	}
	if a.cfg.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", a.cfg.BlockSize)
	}
	if a.cfg.WorkDir != "" {
		if a.cfg.WorkDir, err = filepath.Abs(a.cfg.WorkDir); err != nil {
			return err
		}
	}
	a.log = logging.New(logging.LevelFor(a.cfg.Verbose, a.cfg.Debug), a.stderr)
	a.fsys = fs.NewLocal()
	if a.cfg.Ledger != "" {
		store, err := ledger.Open(ledger.Config{Path: a.cfg.Ledger})
		if err != nil {
			return err
		}
		a.ledger = store
	}
	return nil
}

func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn("closing ledger", zap.Error(err))
		}
		a.ledger = nil
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) options() stripe.Options {
	opts := stripe.Options{
		FS: a.fsys,
		Codec: fec.NewReedSolomon(fec.Options{
			BlockSize:   a.cfg.BlockSize,
			Compression: a.cfg.Compression,
			Logger:      a.log,
		}),
		Logger:      a.log,
		Suffix:      a.cfg.Suffix,
		WorkDir:     a.cfg.WorkDir,
		Concurrency: a.cfg.Concurrency,
		Strict:      a.cfg.Strict,
	}
	if a.ledger != nil {
		opts.Journal = a.ledger
	}
	return opts
}

// absPaths makes every non-empty path absolute; the local filesystem is
// rooted at "/".
func absPaths(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

// Execute runs cmd with args, reports any failure on stderr and returns the
// process exit status.
func Execute(ctx context.Context, cmd *cobra.Command, args []string, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.Name(), err)
		return xerrors.ExitCode(err)
	}
	return 0
}
