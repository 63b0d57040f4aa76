package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jtang613/pdbwriter/pkg/pdb"
)

type dumpConfig struct {
	info    bool
	modules bool
	pretty  bool
}

var dumpFlags dumpConfig

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump file.pdb",
	Short: "print a PDB file as JSON",
	Long:  `dump prints the info stream summary and, with --modules, every module with its source files.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dump(cmd.OutOrStdout(), args[0], dumpFlags)
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpFlags.info, "info", false, "show PDB file information (default when nothing else is selected)")
	dumpCmd.Flags().BoolVar(&dumpFlags.modules, "modules", false, "list all modules")
	dumpCmd.Flags().BoolVar(&dumpFlags.pretty, "pretty", false, "pretty-print JSON output")

	rootCmd.AddCommand(dumpCmd)
}

func dump(w io.Writer, path string, cfg dumpConfig) error {
	p, err := pdb.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PDB: %w", err)
	}
	defer p.Close()

	if !cfg.info && !cfg.modules {
		cfg.info = true
	}

	result := make(map[string]interface{})
	if cfg.info {
		result["info"] = p.Info()
	}
	if cfg.modules {
		result["modules"] = p.Modules()
	}

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if cfg.pretty {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
