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

var replayLabel string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Capture and manage replays",
}

var replayCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Save the replay buffer and run the capture workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().post("/api/replay/capture", map[string]any{"label": replayLabel})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var replayHideCmd = &cobra.Command{
	Use:   "hide-overlay",
	Short: "Hide the replay lower-third immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().post("/api/replay/overlay/hide", nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	replayCaptureCmd.Flags().StringVar(&replayLabel, "label", "", "label for the capture")
	replayCmd.AddCommand(replayCaptureCmd)
	replayCmd.AddCommand(replayHideCmd)
}
