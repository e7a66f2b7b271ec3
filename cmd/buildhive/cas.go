package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildhive/buildhive/pkg/digest"
)

var casCmd = &cobra.Command{
	Use:   "cas",
	Short: "Transfer blobs and directories with the content-addressable store",
}

var casUploadFileCmd = &cobra.Command{
	Use:   "upload-file <path>",
	Short: "Upload a local file and print its digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		d, err := c.UploadFile(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", args[0], err)
		}
		fmt.Println(digest.Key(d))
		return nil
	},
}

var casUploadDirCmd = &cobra.Command{
	Use:   "upload-dir <path>",
	Short: "Upload a directory tree and print its root digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		d, err := c.UploadDirectory(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", args[0], err)
		}
		fmt.Println(digest.Key(d))
		return nil
	},
}

var casDownloadFileCmd = &cobra.Command{
	Use:   "download-file <hash/size> <path>",
	Short: "Download a blob by digest into a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := digest.ParseString(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DownloadFile(context.Background(), d, args[1]); err != nil {
			return fmt.Errorf("failed to download %s: %w", args[0], err)
		}
		fmt.Printf("Downloaded %s to %s\n", args[0], args[1])
		return nil
	},
}

var casDownloadDirCmd = &cobra.Command{
	Use:   "download-dir <hash/size> <path>",
	Short: "Reconstruct a directory tree by root digest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := digest.ParseString(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DownloadDirectory(context.Background(), d, args[1]); err != nil {
			return fmt.Errorf("failed to download %s: %w", args[0], err)
		}
		fmt.Printf("Downloaded %s to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	casCmd.AddCommand(casUploadFileCmd)
	casCmd.AddCommand(casUploadDirCmd)
	casCmd.AddCommand(casDownloadFileCmd)
	casCmd.AddCommand(casDownloadDirCmd)
	rootCmd.AddCommand(casCmd)
}
