// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

var chaosCmd = &cobra.Command{
	Use:   "chaos",
	Short: "List, reload, and run chaos presets",
}

var chaosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded presets with cooldown state",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().get("/api/chaos/presets")
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var chaosReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the preset directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().post("/api/chaos/presets/reload", nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var chaosRunCmd = &cobra.Command{
	Use:   "run <preset-id>",
	Short: "Execute one preset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().post("/api/chaos/run", map[string]any{"id": args[0]})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	chaosCmd.AddCommand(chaosListCmd)
	chaosCmd.AddCommand(chaosReloadCmd)
	chaosCmd.AddCommand(chaosRunCmd)
}
