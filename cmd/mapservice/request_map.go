package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/mapservice/pkg/events"
	"github.com/cuemby/mapservice/pkg/gateway"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/spf13/cobra"
)

var requestMapCmd = &cobra.Command{
	Use:   "request-map --appid APPID",
	Short: "Request a map surface and wait for its confirmation",
	Long: `Request a map surface from the public gateway as APPID, then wait
for the map_surface notification carrying the surface uuid.

Extra request fields are given as --arg key=value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appID, _ := cmd.Flags().GetString("appid")
		local, _ := cmd.Flags().GetBool("local")
		fields, _ := cmd.Flags().GetStringArray("arg")
		wait, _ := cmd.Flags().GetDuration("wait")

		if appID == "" {
			return fmt.Errorf("--appid is required")
		}

		payload := types.Payload{}
		for _, f := range fields {
			key, value, ok := strings.Cut(f, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid --arg %q, expected key=value", f)
			}
			payload[key] = value
		}
		if local {
			payload[types.KeyType] = types.RequestTypeLocal
		}

		caller, err := newCaller(appID)
		if err != nil {
			return err
		}
		defer caller.Close()

		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()

		api := cfg.Gateway.API
		if _, err := caller.Call(ctx, api, gateway.VerbSubscribe, nil); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		notifications, err := caller.Events(ctx, api)
		if err != nil {
			return err
		}

		reply, err := caller.Call(ctx, api, gateway.VerbRequestMap, payload)
		if err != nil {
			return fmt.Errorf("map request failed: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ Map requested for %s\n", appID)

		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("no map_surface received within %s", wait)
			case ev, ok := <-notifications:
				if !ok {
					return fmt.Errorf("notification stream closed")
				}
				if ev.Kind != events.KindMapSurface {
					continue
				}
				out := map[string]any{
					"appid":       appID,
					"map_surface": ev.Payload[types.KeyMapSurface],
					"request":     map[string]any(reply),
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
		}
	},
}

func init() {
	requestMapCmd.Flags().String("appid", "", "Application identity to request the map for")
	requestMapCmd.Flags().Bool("local", false, "Mark the request as local")
	requestMapCmd.Flags().StringArray("arg", nil, "Extra request field as key=value (repeatable)")
	requestMapCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the confirmation")
}
