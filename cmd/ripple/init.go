package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ripple-frame/ripple/internal/config"
	"github.com/ripple-frame/ripple/internal/errors"
)

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Create a ripple.json in the current directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(args, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing ripple.json")

	return cmd
}

func runInit(args []string, force bool) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	if config.Exists(wd) && !force {
		return errors.Newf(errors.CategoryCLI, "%s already exists", config.ConfigFileName).
			WithSuggestion("Use --force to overwrite it")
	}

	cfg := config.New()
	if len(args) > 0 {
		cfg.Name = args[0]
	} else {
		cfg.Name = filepath.Base(wd)
	}

	path := filepath.Join(wd, config.ConfigFileName)
	if err := cfg.SaveTo(path); err != nil {
		return err
	}

	success("Created %s", config.ConfigFileName)
	info("Edit it to pick a session store, then run 'ripple serve'")
	return nil
}
