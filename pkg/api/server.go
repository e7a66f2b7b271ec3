// Package api is the gRPC boundary of the server: it registers the remote
// execution, CAS, ByteStream, action cache, capabilities, operations and
// bots services, routes requests to named instances, and converts
// component errors into status codes.
package api

import (
	"fmt"
	"net"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/buildhive/buildhive/pkg/bots"
	"github.com/buildhive/buildhive/pkg/capabilities"
	"github.com/buildhive/buildhive/pkg/cas"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/execution"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/operations"
	"github.com/buildhive/buildhive/pkg/refcache"
)

// Server hosts every configured instance behind one gRPC endpoint.
type Server struct {
	grpc *grpc.Server

	casInstances  map[string]*cas.Instance
	acInstances   map[string]refcache.Cache
	execInstances map[string]*execution.Instance
	botsInstances map[string]*bots.Instance
	opsInstances  map[string]*operations.Instance
	capInstances  map[string]*capabilities.Instance
}

// NewServer creates an empty server; instances are attached before Start.
func NewServer(creds credentials.TransportCredentials) *Server {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingUnaryInterceptor()),
		grpc.ChainStreamInterceptor(LoggingStreamInterceptor()),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	return &Server{
		grpc:          grpc.NewServer(opts...),
		casInstances:  make(map[string]*cas.Instance),
		acInstances:   make(map[string]refcache.Cache),
		execInstances: make(map[string]*execution.Instance),
		botsInstances: make(map[string]*bots.Instance),
		opsInstances:  make(map[string]*operations.Instance),
		capInstances:  make(map[string]*capabilities.Instance),
	}
}

// AddCASInstance attaches a CAS and ByteStream surface under a name.
func (s *Server) AddCASInstance(name string, inst *cas.Instance) {
	s.casInstances[name] = inst
}

// AddActionCacheInstance attaches an action cache surface under a name.
func (s *Server) AddActionCacheInstance(name string, cache refcache.Cache) {
	s.acInstances[name] = cache
}

// AddExecutionInstance attaches an execution surface under a name.
func (s *Server) AddExecutionInstance(name string, inst *execution.Instance) {
	s.execInstances[name] = inst
	s.opsInstances[name] = operations.NewInstance(inst.Scheduler())
}

// AddBotsInstance attaches a bots surface under a name.
func (s *Server) AddBotsInstance(name string, inst *bots.Instance) {
	s.botsInstances[name] = inst
}

// AddCapabilitiesInstance attaches a capabilities surface under a name.
func (s *Server) AddCapabilitiesInstance(name string, inst *capabilities.Instance) {
	s.capInstances[name] = inst
}

// Start listens on addr, registers all services and serves until Stop.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// Serve registers all services and serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	repb.RegisterContentAddressableStorageServer(s.grpc, &casService{server: s})
	bspb.RegisterByteStreamServer(s.grpc, &byteStreamService{server: s})
	repb.RegisterActionCacheServer(s.grpc, &actionCacheService{server: s})
	repb.RegisterCapabilitiesServer(s.grpc, &capabilitiesService{server: s})
	repb.RegisterExecutionServer(s.grpc, &executionService{server: s})
	longrunningpb.RegisterOperationsServer(s.grpc, &operationsService{server: s})
	rwpb.RegisterBotsServer(s.grpc, &botsService{server: s})

	go s.expireLoop()

	return s.grpc.Serve(lis)
}

// expireLoop periodically sweeps bot sessions that stopped calling in.
func (s *Server) expireLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, inst := range s.botsInstances {
			inst.ExpireSessions()
		}
	}
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) casInstance(name string) (*cas.Instance, error) {
	inst, ok := s.casInstances[name]
	if !ok {
		return nil, errdefs.InvalidArgumentf("unknown CAS instance %q", name)
	}
	return inst, nil
}

func (s *Server) actionCacheInstance(name string) (refcache.Cache, error) {
	cache, ok := s.acInstances[name]
	if !ok {
		return nil, errdefs.InvalidArgumentf("unknown action cache instance %q", name)
	}
	return cache, nil
}

func (s *Server) executionInstance(name string) (*execution.Instance, error) {
	inst, ok := s.execInstances[name]
	if !ok {
		return nil, errdefs.InvalidArgumentf("unknown execution instance %q", name)
	}
	return inst, nil
}

func (s *Server) botsInstance(name string) (*bots.Instance, error) {
	inst, ok := s.botsInstances[name]
	if !ok {
		return nil, errdefs.InvalidArgumentf("unknown bots instance %q", name)
	}
	return inst, nil
}
