package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/jtang613/pdbwriter/pkg/pdb"
	"github.com/jtang613/pdbwriter/pkg/pdb/msf"
)

type buildConfig struct {
	out           string
	blockSize     uint32
	jobs          int
	deterministic bool
}

var buildOut string

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build manifest [manifest...]",
	Short: "build PDB files from manifests",
	Long: `build writes one PDB file per manifest. With a single manifest -o names
the output file, with several it names the output directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig{
			out:           buildOut,
			blockSize:     viper.GetUint32("block-size"),
			jobs:          viper.GetInt("jobs"),
			deterministic: viper.GetBool("deterministic"),
		}
		n, err := buildAll(cmd.Context(), logger, args, cfg)
		level.Info(logger).Log("msg", "build finished", "built", n, "manifests", len(args))
		return err
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildOut, "output", "o", "", "output file, or directory when building several manifests")
	buildCmd.Flags().Uint32("block-size", msf.DefaultBlockSize, "MSF block size")
	buildCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "manifests built in parallel")
	buildCmd.Flags().Bool("deterministic", false, "derive the GUID from the file contents")
	for _, name := range []string{"block-size", "jobs", "deterministic"} {
		_ = viper.BindPFlag(name, buildCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(buildCmd)
}

// buildAll builds every manifest, at most cfg.jobs at a time, and returns how
// many PDB files were written. The first failure cancels builds not yet
// started.
func buildAll(ctx context.Context, logger log.Logger, manifests []string, cfg buildConfig) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs := cfg.jobs
	if jobs < 1 {
		jobs = 1
	}

	var built atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	multi := len(manifests) > 1
	for _, path := range manifests {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := buildOne(logger, path, cfg, multi)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			built.Inc()
			level.Debug(logger).Log("msg", "wrote PDB", "manifest", path, "output", out)
			return nil
		})
	}
	err := g.Wait()
	return int(built.Load()), err
}

func buildOne(logger log.Logger, manifestPath string, cfg buildConfig, multi bool) (string, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return "", err
	}

	opts := []pdb.Option{pdb.WithLogger(log.With(logger, "manifest", manifestPath))}
	if cfg.blockSize != 0 {
		opts = append(opts, pdb.WithBlockSize(cfg.blockSize))
	}
	if cfg.deterministic {
		opts = append(opts, pdb.WithDeterministicGUID())
	}
	b, err := pdb.NewFileBuilder(opts...)
	if err != nil {
		return "", err
	}
	if err := m.Apply(b); err != nil {
		return "", err
	}

	out := outputPath(manifestPath, m, cfg.out, multi)
	if err := b.Commit(out); err != nil {
		return "", err
	}
	return out, nil
}
