// Package config parses the YAML server configuration. Custom tags
// construct storage backends and service instances; anchors and aliases
// let several services share one backend. Unknown fields are rejected.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"gopkg.in/yaml.v3"

	"github.com/buildhive/buildhive/pkg/bots"
	"github.com/buildhive/buildhive/pkg/datastore"
	"github.com/buildhive/buildhive/pkg/execution"
	"github.com/buildhive/buildhive/pkg/refcache"
	"github.com/buildhive/buildhive/pkg/scheduler"
	"github.com/buildhive/buildhive/pkg/storage"
)

// Config is the parsed server document.
type Config struct {
	Description string
	Channels    []Channel
	Instances   []Instance
}

// Channel describes one listening endpoint.
type Channel struct {
	Address     string
	Insecure    bool
	Credentials *TLSCredentials
}

// TLSCredentials holds paths to the server's TLS material.
type TLSCredentials struct {
	ServerKey   string
	ServerCert  string
	ClientCerts string
}

// Instance groups the services published under one instance name.
type Instance struct {
	Name        string
	Description string
	Storages    []storage.Storage
	Services    []Service
}

// Service is a constructed service entry of an instance.
type Service interface {
	service()
}

// CASService publishes batch CAS operations over a storage backend.
type CASService struct {
	Storage storage.Storage
}

// ByteStreamService publishes streamed blob access over a storage backend.
type ByteStreamService struct {
	Storage storage.Storage
}

// ActionCacheService publishes an action cache.
type ActionCacheService struct {
	Cache        refcache.Cache
	AllowUpdates bool
}

// ReferenceCacheService constructs a reference cache building block.
type ReferenceCacheService struct {
	Refs *refcache.ReferenceCache
}

// ExecutionService wires a scheduler, an execution instance and a bots
// instance over shared storage.
type ExecutionService struct {
	Execution *execution.Instance
	Bots      *bots.Instance
	Scheduler *scheduler.Scheduler
	DataStore datastore.DataStore
}

// BotsService references the bots surface of an execution service.
type BotsService struct {
	Bots *bots.Instance
}

// OperationsService references the operations surface of an execution
// service.
type OperationsService struct {
	Execution *execution.Instance
}

func (*CASService) service()            {}
func (*ByteStreamService) service()     {}
func (*ActionCacheService) service()    {}
func (*ReferenceCacheService) service() {}
func (*ExecutionService) service()      {}
func (*BotsService) service()           {}
func (*OperationsService) service()     {}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses a configuration document.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("config must be a single YAML document")
	}

	p := &parser{built: make(map[*yaml.Node]interface{})}
	return p.parseConfig(doc.Content[0])
}

// parser caches constructed objects per node so that aliases resolve to
// the same backend instance the anchor produced.
type parser struct {
	built map[*yaml.Node]interface{}
}

func (p *parser) parseConfig(root *yaml.Node) (*Config, error) {
	fields, err := mapping(root, "server", "description", "instances")
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if n, ok := fields["description"]; ok {
		if err := n.Decode(&cfg.Description); err != nil {
			return nil, fmt.Errorf("line %d: invalid description: %w", n.Line, err)
		}
	}

	serverNode, ok := fields["server"]
	if !ok {
		return nil, fmt.Errorf("config declares no server channels")
	}
	serverNode = resolve(serverNode)
	if serverNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: server must be a list of !channel entries", serverNode.Line)
	}
	for _, n := range serverNode.Content {
		ch, err := p.parseChannel(n)
		if err != nil {
			return nil, err
		}
		cfg.Channels = append(cfg.Channels, ch)
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("config declares no server channels")
	}

	instNode, ok := fields["instances"]
	if !ok {
		return nil, fmt.Errorf("config declares no instances")
	}
	instNode = resolve(instNode)
	if instNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: instances must be a list", instNode.Line)
	}
	for _, n := range instNode.Content {
		inst, err := p.parseInstance(n)
		if err != nil {
			return nil, err
		}
		cfg.Instances = append(cfg.Instances, inst)
	}
	return cfg, nil
}

func (p *parser) parseChannel(n *yaml.Node) (Channel, error) {
	n = resolve(n)
	if n.Tag != "!channel" {
		return Channel{}, fmt.Errorf("line %d: expected !channel, got %q", n.Line, n.Tag)
	}
	fields, err := mapping(n, "port", "insecure_mode", "credentials")
	if err != nil {
		return Channel{}, err
	}

	port, err := intField(fields, "port", -1)
	if err != nil {
		return Channel{}, err
	}
	if port < 0 {
		return Channel{}, fmt.Errorf("line %d: channel requires a port", n.Line)
	}
	insecure, err := boolField(fields, "insecure_mode", true)
	if err != nil {
		return Channel{}, err
	}

	ch := Channel{
		Address:  fmt.Sprintf("[::]:%d", port),
		Insecure: insecure,
	}
	if cn, ok := fields["credentials"]; ok {
		creds, err := p.parseCredentials(cn)
		if err != nil {
			return Channel{}, err
		}
		ch.Credentials = creds
	}
	if !ch.Insecure && (ch.Credentials == nil || ch.Credentials.ServerKey == "" || ch.Credentials.ServerCert == "") {
		return Channel{}, fmt.Errorf("line %d: secure channel requires tls-server-key and tls-server-cert", n.Line)
	}
	return ch, nil
}

func (p *parser) parseCredentials(n *yaml.Node) (*TLSCredentials, error) {
	n = resolve(n)
	if n.Tag == "!!null" {
		return nil, nil
	}
	fields, err := mapping(n, "tls-server-key", "tls-server-cert", "tls-client-certs")
	if err != nil {
		return nil, err
	}
	creds := &TLSCredentials{}
	if creds.ServerKey, err = pathField(fields, "tls-server-key"); err != nil {
		return nil, err
	}
	if creds.ServerCert, err = pathField(fields, "tls-server-cert"); err != nil {
		return nil, err
	}
	if creds.ClientCerts, err = pathField(fields, "tls-client-certs"); err != nil {
		return nil, err
	}
	return creds, nil
}

func (p *parser) parseInstance(n *yaml.Node) (Instance, error) {
	n = resolve(n)
	fields, err := mapping(n, "name", "description", "storages", "services")
	if err != nil {
		return Instance{}, err
	}

	inst := Instance{}
	name, err := strField(fields, "name", "")
	if err != nil {
		return Instance{}, err
	}
	inst.Name = name
	if inst.Description, err = strField(fields, "description", ""); err != nil {
		return Instance{}, err
	}

	if sn, ok := fields["storages"]; ok {
		sn = resolve(sn)
		if sn.Kind != yaml.SequenceNode {
			return Instance{}, fmt.Errorf("line %d: storages must be a list", sn.Line)
		}
		for _, c := range sn.Content {
			st, err := p.storageNode(c)
			if err != nil {
				return Instance{}, err
			}
			inst.Storages = append(inst.Storages, st)
		}
	}

	svcNode, ok := fields["services"]
	if !ok {
		return Instance{}, fmt.Errorf("line %d: instance %q declares no services", n.Line, inst.Name)
	}
	svcNode = resolve(svcNode)
	if svcNode.Kind != yaml.SequenceNode {
		return Instance{}, fmt.Errorf("line %d: services must be a list", svcNode.Line)
	}
	for _, c := range svcNode.Content {
		svc, err := p.serviceNode(c)
		if err != nil {
			return Instance{}, err
		}
		inst.Services = append(inst.Services, svc)
	}
	return inst, nil
}

func (p *parser) storageNode(n *yaml.Node) (storage.Storage, error) {
	n = resolve(n)
	if v, ok := p.built[n]; ok {
		st, ok := v.(storage.Storage)
		if !ok {
			return nil, fmt.Errorf("line %d: %s does not name a storage backend", n.Line, n.Tag)
		}
		return st, nil
	}

	var st storage.Storage
	switch n.Tag {
	case "!lru-storage":
		fields, err := mapping(n, "size")
		if err != nil {
			return nil, err
		}
		size, err := strField(fields, "size", "")
		if err != nil {
			return nil, err
		}
		limit, err := parseSize(size)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid size: %w", n.Line, err)
		}
		st = storage.NewMemoryStorage(limit)

	case "!disk-storage":
		fields, err := mapping(n, "path", "max_size")
		if err != nil {
			return nil, err
		}
		path, err := pathField(fields, "path")
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("line %d: disk storage requires a path", n.Line)
		}
		var maxBytes int64
		if size, err := strField(fields, "max_size", ""); err != nil {
			return nil, err
		} else if size != "" {
			if maxBytes, err = parseSize(size); err != nil {
				return nil, fmt.Errorf("line %d: invalid max_size: %w", n.Line, err)
			}
		}
		disk, err := storage.NewDiskStorage(path, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		st = disk

	case "!s3-storage":
		fields, err := mapping(n, "bucket", "endpoint", "region")
		if err != nil {
			return nil, err
		}
		bucket, err := strField(fields, "bucket", "")
		if err != nil {
			return nil, err
		}
		if bucket == "" {
			return nil, fmt.Errorf("line %d: s3 storage requires a bucket", n.Line)
		}
		endpoint, err := strField(fields, "endpoint", "")
		if err != nil {
			return nil, err
		}
		region, err := strField(fields, "region", "us-east-1")
		if err != nil {
			return nil, err
		}
		awsCfg := &aws.Config{
			Region:           aws.String(region),
			S3ForcePathStyle: aws.Bool(true),
		}
		if endpoint != "" {
			awsCfg.Endpoint = aws.String(endpoint)
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, fmt.Errorf("line %d: failed to create S3 session: %w", n.Line, err)
		}
		st = storage.NewS3Storage(s3.New(sess), bucket)

	case "!with-cache-storage":
		fields, err := mapping(n, "cache", "fallback")
		if err != nil {
			return nil, err
		}
		cacheNode, ok := fields["cache"]
		if !ok {
			return nil, fmt.Errorf("line %d: with-cache storage requires a cache", n.Line)
		}
		fallbackNode, ok := fields["fallback"]
		if !ok {
			return nil, fmt.Errorf("line %d: with-cache storage requires a fallback", n.Line)
		}
		cache, err := p.storageNode(cacheNode)
		if err != nil {
			return nil, err
		}
		fallback, err := p.storageNode(fallbackNode)
		if err != nil {
			return nil, err
		}
		st = storage.NewWithCacheStorage(cache, fallback)

	default:
		return nil, fmt.Errorf("line %d: unknown storage tag %q", n.Line, n.Tag)
	}

	p.built[n] = st
	return st, nil
}

func (p *parser) serviceNode(n *yaml.Node) (Service, error) {
	n = resolve(n)
	if v, ok := p.built[n]; ok {
		svc, ok := v.(Service)
		if !ok {
			return nil, fmt.Errorf("line %d: %s does not name a service", n.Line, n.Tag)
		}
		return svc, nil
	}

	var svc Service
	switch n.Tag {
	case "!cas":
		fields, err := mapping(n, "storage")
		if err != nil {
			return nil, err
		}
		st, err := p.requiredStorage(n, fields)
		if err != nil {
			return nil, err
		}
		svc = &CASService{Storage: st}

	case "!bytestream":
		fields, err := mapping(n, "storage")
		if err != nil {
			return nil, err
		}
		st, err := p.requiredStorage(n, fields)
		if err != nil {
			return nil, err
		}
		svc = &ByteStreamService{Storage: st}

	case "!action-cache":
		fields, err := mapping(n, "storage", "max_cached_refs", "allow_updates", "cache_failed_actions")
		if err != nil {
			return nil, err
		}
		st, err := p.requiredStorage(n, fields)
		if err != nil {
			return nil, err
		}
		maxRefs, err := intField(fields, "max_cached_refs", 0)
		if err != nil {
			return nil, err
		}
		allowUpdates, err := boolField(fields, "allow_updates", true)
		if err != nil {
			return nil, err
		}
		cacheFailed, err := boolField(fields, "cache_failed_actions", false)
		if err != nil {
			return nil, err
		}
		var cache refcache.Cache = refcache.NewActionCache(st, maxRefs, cacheFailed)
		if !allowUpdates {
			cache = refcache.NewWriteOnceActionCache(cache)
		}
		svc = &ActionCacheService{Cache: cache, AllowUpdates: allowUpdates}

	case "!reference-cache":
		fields, err := mapping(n, "storage", "max_cached_refs", "allow_updates")
		if err != nil {
			return nil, err
		}
		st, err := p.requiredStorage(n, fields)
		if err != nil {
			return nil, err
		}
		maxRefs, err := intField(fields, "max_cached_refs", 0)
		if err != nil {
			return nil, err
		}
		allowUpdates, err := boolField(fields, "allow_updates", true)
		if err != nil {
			return nil, err
		}
		svc = &ReferenceCacheService{Refs: refcache.NewReferenceCache(st, maxRefs, allowUpdates)}

	case "!execution":
		fields, err := mapping(n, "storage", "action_cache", "data_store")
		if err != nil {
			return nil, err
		}
		st, err := p.requiredStorage(n, fields)
		if err != nil {
			return nil, err
		}
		var cache refcache.Cache
		if acn, ok := fields["action_cache"]; ok {
			acSvc, err := p.serviceNode(acn)
			if err != nil {
				return nil, err
			}
			ac, ok := acSvc.(*ActionCacheService)
			if !ok {
				return nil, fmt.Errorf("line %d: action_cache must reference an !action-cache entry", n.Line)
			}
			cache = ac.Cache
		}
		var store datastore.DataStore
		if dsn, ok := fields["data_store"]; ok {
			if store, err = p.datastoreNode(dsn); err != nil {
				return nil, err
			}
		} else {
			store = datastore.NewMemoryStore()
		}
		sched := scheduler.New(store, cache)
		svc = &ExecutionService{
			Execution: execution.NewInstance(st, cache, sched),
			Bots:      bots.NewInstance(sched, bots.DefaultSessionTimeout),
			Scheduler: sched,
			DataStore: store,
		}

	case "!bots":
		fields, err := mapping(n, "execution")
		if err != nil {
			return nil, err
		}
		es, err := p.requiredExecution(n, fields)
		if err != nil {
			return nil, err
		}
		svc = &BotsService{Bots: es.Bots}

	case "!operations":
		fields, err := mapping(n, "execution")
		if err != nil {
			return nil, err
		}
		es, err := p.requiredExecution(n, fields)
		if err != nil {
			return nil, err
		}
		svc = &OperationsService{Execution: es.Execution}

	default:
		return nil, fmt.Errorf("line %d: unknown service tag %q", n.Line, n.Tag)
	}

	p.built[n] = svc
	return svc, nil
}

func (p *parser) datastoreNode(n *yaml.Node) (datastore.DataStore, error) {
	n = resolve(n)
	if v, ok := p.built[n]; ok {
		ds, ok := v.(datastore.DataStore)
		if !ok {
			return nil, fmt.Errorf("line %d: %s does not name a data store", n.Line, n.Tag)
		}
		return ds, nil
	}

	var ds datastore.DataStore
	switch n.Tag {
	case "!memory-data-store":
		if n.Kind == yaml.MappingNode {
			if _, err := mapping(n); err != nil {
				return nil, err
			}
		}
		ds = datastore.NewMemoryStore()

	case "!sql-data-store":
		fields, err := mapping(n, "driver", "connection_string")
		if err != nil {
			return nil, err
		}
		driver, err := strField(fields, "driver", "sqlite3")
		if err != nil {
			return nil, err
		}
		dsn, err := strField(fields, "connection_string", "")
		if err != nil {
			return nil, err
		}
		if dsn == "" {
			return nil, fmt.Errorf("line %d: sql data store requires a connection_string", n.Line)
		}
		store, err := datastore.NewSQLStore(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		ds = store

	case "!bolt-data-store":
		fields, err := mapping(n, "path")
		if err != nil {
			return nil, err
		}
		path, err := pathField(fields, "path")
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("line %d: bolt data store requires a path", n.Line)
		}
		store, err := datastore.NewBoltStore(path)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		ds = store

	default:
		return nil, fmt.Errorf("line %d: unknown data store tag %q", n.Line, n.Tag)
	}

	p.built[n] = ds
	return ds, nil
}

func (p *parser) requiredStorage(n *yaml.Node, fields map[string]*yaml.Node) (storage.Storage, error) {
	sn, ok := fields["storage"]
	if !ok {
		return nil, fmt.Errorf("line %d: %s requires a storage", n.Line, n.Tag)
	}
	return p.storageNode(sn)
}

func (p *parser) requiredExecution(n *yaml.Node, fields map[string]*yaml.Node) (*ExecutionService, error) {
	en, ok := fields["execution"]
	if !ok {
		return nil, fmt.Errorf("line %d: %s requires an execution reference", n.Line, n.Tag)
	}
	svc, err := p.serviceNode(en)
	if err != nil {
		return nil, err
	}
	es, ok := svc.(*ExecutionService)
	if !ok {
		return nil, fmt.Errorf("line %d: execution must reference an !execution entry", n.Line)
	}
	return es, nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// mapping validates a mapping node against an allowed key set and returns
// its fields. Keys outside the set are an error.
func mapping(n *yaml.Node, allowed ...string) (map[string]*yaml.Node, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	fields := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		known := false
		for _, a := range allowed {
			if a == key {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("line %d: unknown field %q", n.Content[i].Line, key)
		}
		fields[key] = n.Content[i+1]
	}
	return fields, nil
}

func strField(fields map[string]*yaml.Node, key, def string) (string, error) {
	n, ok := fields[key]
	if !ok {
		return def, nil
	}
	n = resolve(n)
	if n.Tag == "!!null" {
		return def, nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return "", fmt.Errorf("line %d: invalid %s: %w", n.Line, key, err)
	}
	return s, nil
}

func intField(fields map[string]*yaml.Node, key string, def int) (int, error) {
	n, ok := fields[key]
	if !ok {
		return def, nil
	}
	n = resolve(n)
	var v int
	if err := n.Decode(&v); err != nil {
		return 0, fmt.Errorf("line %d: invalid %s: %w", n.Line, key, err)
	}
	return v, nil
}

func boolField(fields map[string]*yaml.Node, key string, def bool) (bool, error) {
	n, ok := fields[key]
	if !ok {
		return def, nil
	}
	n = resolve(n)
	var v bool
	if err := n.Decode(&v); err != nil {
		return false, fmt.Errorf("line %d: invalid %s: %w", n.Line, key, err)
	}
	return v, nil
}

// pathField reads a string field, honoring the !expand-path tag which
// expands environment variables and a leading tilde.
func pathField(fields map[string]*yaml.Node, key string) (string, error) {
	n, ok := fields[key]
	if !ok {
		return "", nil
	}
	n = resolve(n)
	if n.Tag == "!!null" {
		return "", nil
	}
	if n.Tag == "!expand-path" {
		return expandPath(n.Value), nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return "", fmt.Errorf("line %d: invalid %s: %w", n.Line, key, err)
	}
	return s, nil
}

func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// parseSize converts a human-readable size such as "512MB" to bytes.
func parseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "t"):
		mult = 1 << 40
		s = strings.TrimSuffix(s, "t")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
