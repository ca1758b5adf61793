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

var rootCmd = &cobra.Command{
	Use:   "showctl",
	Short: "Operator CLI for the showrunner control service",
	Long: `showctl drives a running showrunner control service over its HTTP API.

Set SHOWRUNNER_ADDR to the service address (default http://localhost:5555)
and SHOWRUNNER_TOKEN if the API requires a bearer token.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(connectionCmd)
	rootCmd.AddCommand(killSwitchCmd)
	rootCmd.AddCommand(chaosCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(vendorCmd)
	rootCmd.AddCommand(reportCmd)
}
