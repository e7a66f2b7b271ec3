package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Query the remote server's capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		caps, err := c.Capabilities(context.Background())
		if err != nil {
			return fmt.Errorf("failed to query capabilities: %w", err)
		}

		out := protojson.MarshalOptions{Multiline: true, Indent: "  "}
		fmt.Println(out.Format(caps))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}
