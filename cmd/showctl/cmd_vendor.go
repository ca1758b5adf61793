// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var vendorData string

var vendorCmd = &cobra.Command{
	Use:   "vendor",
	Short: "Call vendor plugins and inspect their events",
}

var vendorCallCmd = &cobra.Command{
	Use:   "call <vendor-name> <request-type>",
	Short: "Forward a request to a vendor plugin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"vendorName":  args[0],
			"requestType": args[1],
		}
		if vendorData != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(vendorData), &data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
			body["requestData"] = data
		}
		resp, err := newClient().post("/api/vendor/call", body)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var vendorEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent vendor events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().get("/api/vendor/events")
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var vendorReloadCmd = &cobra.Command{
	Use:   "reload-permissions",
	Short: "Re-read the vendor permission document",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().post("/api/vendor/permissions/reload", nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	vendorCallCmd.Flags().StringVar(&vendorData, "data", "", "JSON object passed as requestData")
	vendorCmd.AddCommand(vendorCallCmd)
	vendorCmd.AddCommand(vendorEventsCmd)
	vendorCmd.AddCommand(vendorReloadCmd)
}
