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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the combined status of every component",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().get("/api/status")
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Manage the engine connection",
}

func init() {
	for _, verb := range []string{"connect", "disconnect", "reconnect"} {
		verb := verb
		connectionCmd.AddCommand(&cobra.Command{
			Use:   verb,
			Short: verb + " the engine session",
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := newClient().post("/api/connection/"+verb, nil)
				if err != nil {
					return err
				}
				return printJSON(resp)
			},
		})
	}
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the aggregated audit report",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().get("/api/report")
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}
