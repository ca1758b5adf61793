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

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and control the auto director",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the rule table and director status",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().get("/api/director/rules")
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var rulesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the rules document",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().post("/api/director/reload", nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func newDirectorToggle(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: use + " the auto director",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().post("/api/director/enable", map[string]any{"enabled": enabled})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newRuleToggle(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: use + " one rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().post("/api/director/rules/"+args[0]+"/enable", map[string]any{"enabled": enabled})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesReloadCmd)
	rulesCmd.AddCommand(newDirectorToggle("enable", true))
	rulesCmd.AddCommand(newDirectorToggle("disable", false))
	rulesCmd.AddCommand(newRuleToggle("enable-rule", true))
	rulesCmd.AddCommand(newRuleToggle("disable-rule", false))
}
