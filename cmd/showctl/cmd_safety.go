// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var killSwitchReason string

var killSwitchCmd = &cobra.Command{
	Use:   "killswitch [on|off]",
	Short: "Engage or release the global kill switch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		resp, err := newClient().post("/api/safety/killswitch", map[string]any{
			"enabled": enabled,
			"reason":  killSwitchReason,
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	killSwitchCmd.Flags().StringVar(&killSwitchReason, "reason", "", "why the switch is being flipped")
}
