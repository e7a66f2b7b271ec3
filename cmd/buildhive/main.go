package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildhive/buildhive/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildhive",
	Short: "Buildhive - remote build execution server and tooling",
	Long: `Buildhive coordinates remote build execution: it stores build inputs
and outputs in a content-addressable store, caches action results, and
schedules work onto a fleet of worker bots over the remote execution API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Buildhive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("remote", "localhost:50051", "Remote server address")
	pf.String("instance-name", "", "Instance name to address")
	pf.String("client-key", "", "Private client TLS key path")
	pf.String("client-cert", "", "Public client TLS certificate path")
	pf.String("server-cert", "", "Public server TLS certificate path")
	pf.String("auth-token", "", "Bearer token attached to every request")
}

// newClient builds a client from the global connection flags.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	remote, _ := cmd.Flags().GetString("remote")
	instanceName, _ := cmd.Flags().GetString("instance-name")
	clientKey, _ := cmd.Flags().GetString("client-key")
	clientCert, _ := cmd.Flags().GetString("client-cert")
	serverCert, _ := cmd.Flags().GetString("server-cert")
	authToken, _ := cmd.Flags().GetString("auth-token")

	return client.New(client.Options{
		Remote:       remote,
		InstanceName: instanceName,
		ClientKey:    clientKey,
		ClientCert:   clientCert,
		ServerCert:   serverCert,
		AuthToken:    authToken,
	})
}
