package main

import (
	"context"
	"fmt"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/buildhive/buildhive/pkg/client"
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Submit work and inspect operations",
}

var executeDummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Submit a trivial action and wait for a bot to run it",
	Args:  cobra.NoArgs,
	RunE:  runExecuteDummy,
}

var executeStatusCmd = &cobra.Command{
	Use:   "status <operation-name>",
	Short: "Print the current state of one operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		op, err := c.GetOperation(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch operation: %w", err)
		}
		out := protojson.MarshalOptions{Multiline: true, Indent: "  "}
		fmt.Println(out.Format(op))
		return nil
	},
}

var executeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the server's operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ops, err := c.ListOperations(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list operations: %w", err)
		}
		if len(ops) == 0 {
			fmt.Println("No operations")
			return nil
		}
		for _, op := range ops {
			state := "running"
			if op.Done {
				state = "done"
			}
			fmt.Printf("%s  %s\n", op.Name, state)
		}
		return nil
	},
}

func init() {
	executeDummyCmd.Flags().Bool("wait", true, "Wait for the operation to complete")
	executeDummyCmd.Flags().Bool("skip-cache-lookup", true, "Bypass the action cache")

	executeCmd.AddCommand(executeDummyCmd)
	executeCmd.AddCommand(executeStatusCmd)
	executeCmd.AddCommand(executeListCmd)
	rootCmd.AddCommand(executeCmd)
}

func runExecuteDummy(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetBool("wait")
	skipCache, _ := cmd.Flags().GetBool("skip-cache-lookup")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	actionDigest, err := uploadDummyAction(ctx, c)
	if err != nil {
		return err
	}
	fmt.Printf("Action uploaded: %s/%d\n", actionDigest.Hash, actionDigest.SizeBytes)

	stream, err := c.Execute(ctx, actionDigest, skipCache)
	if err != nil {
		return fmt.Errorf("failed to submit action: %w", err)
	}

	for {
		op, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("operation stream failed: %w", err)
		}

		md := &repb.ExecuteOperationMetadata{}
		if op.Metadata != nil {
			_ = op.Metadata.UnmarshalTo(md)
		}
		fmt.Printf("Operation %s: stage=%s done=%v\n", op.Name, md.Stage, op.Done)

		if op.Done {
			resp := &repb.ExecuteResponse{}
			if r := op.GetResponse(); r != nil {
				if err := r.UnmarshalTo(resp); err != nil {
					return fmt.Errorf("failed to decode execute response: %w", err)
				}
				out := protojson.MarshalOptions{Multiline: true, Indent: "  "}
				fmt.Println(out.Format(resp))
			}
			return nil
		}
		if !wait {
			fmt.Println("Not waiting for completion; check progress with 'execute status'")
			return nil
		}
	}
}

// uploadDummyAction stores a do-nothing action and returns its digest.
func uploadDummyAction(ctx context.Context, c *client.Client) (*repb.Digest, error) {
	commandDigest, err := c.UploadMessage(ctx, &repb.Command{Arguments: []string{"true"}})
	if err != nil {
		return nil, fmt.Errorf("failed to upload command: %w", err)
	}
	inputRootDigest, err := c.UploadMessage(ctx, &repb.Directory{})
	if err != nil {
		return nil, fmt.Errorf("failed to upload input root: %w", err)
	}
	actionDigest, err := c.UploadMessage(ctx, &repb.Action{
		CommandDigest:   commandDigest,
		InputRootDigest: inputRootDigest,
		DoNotCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload action: %w", err)
	}
	return actionDigest, nil
}
