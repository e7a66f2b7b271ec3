package config

import (
	"fmt"

	"google.golang.org/grpc/credentials"

	"github.com/buildhive/buildhive/pkg/api"
	"github.com/buildhive/buildhive/pkg/capabilities"
	"github.com/buildhive/buildhive/pkg/cas"
	"github.com/buildhive/buildhive/pkg/security"
)

// BuildServer assembles the gRPC server described by the configuration and
// returns it with the listen address of the first channel.
func BuildServer(cfg *Config) (*api.Server, string, error) {
	if len(cfg.Channels) == 0 {
		return nil, "", fmt.Errorf("config declares no server channels")
	}
	ch := cfg.Channels[0]

	var creds credentials.TransportCredentials
	if !ch.Insecure {
		var err error
		creds, err = security.LoadServerCredentials(
			ch.Credentials.ServerKey, ch.Credentials.ServerCert, ch.Credentials.ClientCerts)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load server credentials: %w", err)
		}
	}

	srv := api.NewServer(creds)
	for _, inst := range cfg.Instances {
		var hasActionCache, actionCacheUpdates, hasExecution bool
		batchLimit := int64(cas.DefaultBatchSizeLimit)

		for _, svc := range inst.Services {
			switch s := svc.(type) {
			case *CASService:
				srv.AddCASInstance(inst.Name, cas.NewInstance(s.Storage))
			case *ByteStreamService:
				srv.AddCASInstance(inst.Name, cas.NewInstance(s.Storage))
			case *ActionCacheService:
				srv.AddActionCacheInstance(inst.Name, s.Cache)
				hasActionCache = true
				actionCacheUpdates = s.AllowUpdates
			case *ReferenceCacheService:
				// Building block only; aliased by action caches and
				// execution entries, no service of its own.
			case *ExecutionService:
				srv.AddExecutionInstance(inst.Name, s.Execution)
				srv.AddBotsInstance(inst.Name, s.Bots)
				hasExecution = true
			case *BotsService:
				srv.AddBotsInstance(inst.Name, s.Bots)
			case *OperationsService:
				// Registered alongside its execution entry.
			}
		}

		srv.AddCapabilitiesInstance(inst.Name,
			capabilities.NewInstance(hasActionCache, actionCacheUpdates, hasExecution, batchLimit))
	}
	return srv, ch.Address, nil
}
