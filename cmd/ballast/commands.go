package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Resinat/Ballast/internal/buildinfo"
	"github.com/Resinat/Ballast/internal/config"
	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/scoring"
)

var cfgFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log.SetLevel(cfg.Log.Level)
		defer log.Sync()
		return run(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), buildinfo.Summary())
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score <stats.json|->",
	Short: "Score a saved group statistics snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		res, err := scoreSnapshot(in)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); BALLAST_* variables override it")
}

// scoreSnapshot decodes one statistics snapshot and scores it.
func scoreSnapshot(r io.Reader) (model.ScoreResult, error) {
	var snap model.StatsSnapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return model.ScoreResult{}, fmt.Errorf("decode stats: %w", err)
	}
	return scoring.Score(snap), nil
}
