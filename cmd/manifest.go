package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"transitdelay.dev/gtfs/snapshot"
)

var manifestDiffCmd = &cobra.Command{
	Use:   "manifest-diff [dir]",
	Short: "Diffs the stored manifest against a snapshot (default: newest staged)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  manifestDiff,
}

func manifestDiff(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	dir := ""
	if len(args) > 0 {
		dir = args[0]
	} else {
		vm := snapshot.NewVersionManager(snapshot.Paths{
			Staging:  cfg.Paths.Staging,
			Active:   cfg.Paths.Active,
			Archive:  cfg.Paths.Archive,
			Manifest: cfg.Paths.Manifest,
		}, nil, nil)
		dir, err = vm.LatestCandidate()
		if err != nil {
			return err
		}
		if dir == "" {
			return fmt.Errorf("no candidate snapshots in %s", cfg.Paths.Staging)
		}
	}

	stored, err := snapshot.ReadManifest(cfg.Paths.Manifest)
	if err != nil {
		return err
	}
	next, err := snapshot.Fingerprint(dir)
	if err != nil {
		return err
	}

	diff, err := snapshot.DiffManifests(stored, next, filepath.Base(cfg.Paths.Manifest), filepath.Base(dir))
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Println("no changes")
		return nil
	}
	fmt.Print(diff)
	return nil
}
