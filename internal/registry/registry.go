// Package registry owns the target-server fleet registry: the JSON
// document described in spec §6.1, loaded and saved atomically, with a
// sibling .bak kept on rewrite. Per spec §3 and §9, the Self-Replicator
// is the sole writer of this registry in the running engine; this
// package only supplies the load/save mechanics and the in-memory
// invariant checks (unique IDs, defaults) that the Self-Replicator and
// startup routine both depend on.
package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tricorefile/aurelia/internal/aerr"
	"github.com/tricorefile/aurelia/internal/types"
)

// document is the on-disk JSON shape fixed by spec §6.1.
type document struct {
	TargetServers      []serverDoc       `json:"target_servers"`
	DefaultSettings    defaultSettings   `json:"default_settings"`
	DeploymentStrategy deploymentStrategy `json:"deployment_strategy"`
}

type serverDoc struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	IP                 string   `json:"ip"`
	Port               int      `json:"port,omitempty"`
	Username           string   `json:"username"`
	AuthMethod         string   `json:"auth_method"`
	SSHKeyPath         string   `json:"ssh_key_path,omitempty"`
	PasswordBase64     string   `json:"password_base64,omitempty"`
	RemotePath         string   `json:"remote_path"`
	Enabled            *bool    `json:"enabled,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	MaxRetries         int      `json:"max_retries,omitempty"`
	RetryDelaySeconds  int      `json:"retry_delay_seconds,omitempty"`
}

type defaultSettings struct {
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	SSHKeyPath string `json:"ssh_key_path,omitempty"`
	RemotePath string `json:"remote_path,omitempty"`
}

type deploymentStrategy struct {
	ParallelDeployments      int `json:"parallel_deployments,omitempty"`
	DeploymentTimeoutSeconds int `json:"deployment_timeout_seconds,omitempty"`
	HealthCheckIntervalSecs  int `json:"health_check_interval_seconds,omitempty"`
}

// Strategy mirrors deployment_strategy with defaults applied.
type Strategy struct {
	ParallelDeployments int
	DeploymentTimeout   time.Duration
	HealthCheckInterval time.Duration
}

// Registry is the in-memory, validated form of the registry document.
type Registry struct {
	Servers  []*types.TargetServer
	Strategy Strategy

	path string
}

const (
	defaultPort              = 22
	defaultPriority          = 100
	defaultMaxRetries        = 3
	defaultRetryDelaySeconds = 60
	defaultParallel          = 2
	defaultDeployTimeoutSec  = 300
	defaultHealthIntervalSec = 30
)

// Load reads and validates the registry file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aerr.New(aerr.KindConfigInvalid, "registry.Load", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, aerr.New(aerr.KindConfigInvalid, "registry.Load", fmt.Errorf("parse %s: %w", path, err))
	}

	reg, err := fromDocument(&doc)
	if err != nil {
		return nil, aerr.New(aerr.KindConfigInvalid, "registry.Load", err)
	}
	reg.path = path
	return reg, nil
}

func fromDocument(doc *document) (*Registry, error) {
	defPort := doc.DefaultSettings.Port
	if defPort == 0 {
		defPort = defaultPort
	}

	seen := make(map[string]bool, len(doc.TargetServers))
	servers := make([]*types.TargetServer, 0, len(doc.TargetServers))

	for _, sd := range doc.TargetServers {
		if sd.ID == "" {
			return nil, fmt.Errorf("target server missing id")
		}
		if seen[sd.ID] {
			return nil, fmt.Errorf("duplicate target server id: %s", sd.ID)
		}
		seen[sd.ID] = true

		ts, err := serverFromDoc(sd, defPort, doc.DefaultSettings)
		if err != nil {
			return nil, fmt.Errorf("target server %s: %w", sd.ID, err)
		}
		servers = append(servers, ts)
	}

	strategy := Strategy{
		ParallelDeployments: orDefaultInt(doc.DeploymentStrategy.ParallelDeployments, defaultParallel),
		DeploymentTimeout:   time.Duration(orDefaultInt(doc.DeploymentStrategy.DeploymentTimeoutSeconds, defaultDeployTimeoutSec)) * time.Second,
		HealthCheckInterval: time.Duration(orDefaultInt(doc.DeploymentStrategy.HealthCheckIntervalSecs, defaultHealthIntervalSec)) * time.Second,
	}

	return &Registry{Servers: servers, Strategy: strategy}, nil
}

func serverFromDoc(sd serverDoc, defPort int, defaults defaultSettings) (*types.TargetServer, error) {
	port := sd.Port
	if port == 0 {
		port = defPort
	}

	username := sd.Username
	if username == "" {
		username = defaults.Username
	}

	remotePath := sd.RemotePath
	if remotePath == "" {
		remotePath = defaults.RemotePath
	}
	if remotePath == "" || !filepath.IsAbs(remotePath) {
		return nil, fmt.Errorf("remote_path must be an absolute path")
	}

	enabled := true
	if sd.Enabled != nil {
		enabled = *sd.Enabled
	}

	priority := sd.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	maxRetries := sd.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	retryDelay := sd.RetryDelaySeconds
	if retryDelay == 0 {
		retryDelay = defaultRetryDelaySeconds
	}

	auth, err := authFromDoc(sd, defaults)
	if err != nil {
		return nil, err
	}

	return &types.TargetServer{
		ID:         sd.ID,
		Name:       sd.Name,
		IP:         sd.IP,
		Port:       port,
		Username:   username,
		RemotePath: remotePath,
		Auth:       auth,
		Enabled:    enabled,
		Priority:   priority,
		Tags:       append([]string(nil), sd.Tags...),
		MaxRetries: maxRetries,
		RetryDelay: time.Duration(retryDelay) * time.Second,
	}, nil
}

func authFromDoc(sd serverDoc, defaults defaultSettings) (types.AuthMethod, error) {
	keyPath := sd.SSHKeyPath
	if keyPath == "" {
		keyPath = defaults.SSHKeyPath
	}

	switch sd.AuthMethod {
	case string(types.AuthKey):
		if keyPath == "" {
			return types.AuthMethod{}, fmt.Errorf("auth_method key requires ssh_key_path")
		}
		return types.AuthMethod{Kind: types.AuthKey, KeyPath: keyPath}, nil
	case string(types.AuthPassword):
		pw, err := decodePassword(sd.PasswordBase64)
		if err != nil {
			return types.AuthMethod{}, err
		}
		return types.AuthMethod{Kind: types.AuthPassword, ObfuscatedPassword: pw}, nil
	case string(types.AuthKeyWithPassphrase):
		if keyPath == "" {
			return types.AuthMethod{}, fmt.Errorf("auth_method key-with-passphrase requires ssh_key_path")
		}
		pw, err := decodePassword(sd.PasswordBase64)
		if err != nil {
			return types.AuthMethod{}, err
		}
		return types.AuthMethod{Kind: types.AuthKeyWithPassphrase, KeyPath: keyPath, ObfuscatedPassword: pw}, nil
	default:
		return types.AuthMethod{}, fmt.Errorf("unknown auth_method: %q", sd.AuthMethod)
	}
}

// decodePassword reads the registry's password_base64 field (spec §6.1:
// base64(obfuscated_bytes)) and strips the base64 layer, leaving the raw
// obfuscated bytes that internal/security.Deobfuscate expects in
// ObfuscatedPassword. toDocument applies the matching base64 layer back
// on save.
func decodePassword(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("password_base64 is required for this auth_method")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid password_base64: %w", err)
	}
	return raw, nil
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Save atomically rewrites the registry file at the registry's loaded
// path (write-tmp-then-rename), keeping a sibling .bak of the prior
// contents, per spec §6.1.
func (r *Registry) Save() error {
	return r.SaveAs(r.path)
}

// SaveAs atomically rewrites the registry file at the given path.
func (r *Registry) SaveAs(path string) error {
	doc := toDocument(r)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0600)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp registry file: %w", err)
	}

	r.path = path
	return nil
}

func toDocument(r *Registry) document {
	doc := document{
		DeploymentStrategy: deploymentStrategy{
			ParallelDeployments:      r.Strategy.ParallelDeployments,
			DeploymentTimeoutSeconds: int(r.Strategy.DeploymentTimeout.Seconds()),
			HealthCheckIntervalSecs:  int(r.Strategy.HealthCheckInterval.Seconds()),
		},
	}

	servers := append([]*types.TargetServer(nil), r.Servers...)
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })

	for _, s := range servers {
		enabled := s.Enabled
		sd := serverDoc{
			ID:                s.ID,
			Name:              s.Name,
			IP:                s.IP,
			Port:              s.Port,
			Username:          s.Username,
			AuthMethod:        string(s.Auth.Kind),
			RemotePath:        s.RemotePath,
			Enabled:           &enabled,
			Priority:          s.Priority,
			Tags:              s.Tags,
			MaxRetries:        s.MaxRetries,
			RetryDelaySeconds: int(s.RetryDelay.Seconds()),
		}
		if s.Auth.KeyPath != "" {
			sd.SSHKeyPath = s.Auth.KeyPath
		}
		if len(s.Auth.ObfuscatedPassword) > 0 {
			sd.PasswordBase64 = base64.StdEncoding.EncodeToString(s.Auth.ObfuscatedPassword)
		}
		doc.TargetServers = append(doc.TargetServers, sd)
	}

	return doc
}

// Validate checks the cross-entity invariants of spec §3: unique IDs and
// well-formed required fields. Load already enforces these; Validate is
// exposed so callers (e.g. servers apply) can check a merged registry
// before saving.
func (r *Registry) Validate() error {
	seen := make(map[string]bool, len(r.Servers))
	for _, s := range r.Servers {
		if s.ID == "" {
			return fmt.Errorf("target server missing id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate target server id: %s", s.ID)
		}
		seen[s.ID] = true
		if !filepath.IsAbs(s.RemotePath) {
			return fmt.Errorf("server %s: remote_path must be absolute", s.ID)
		}
	}
	return nil
}

// Enabled returns the subset of servers with Enabled == true.
func (r *Registry) Enabled() []*types.TargetServer {
	var out []*types.TargetServer
	for _, s := range r.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the server with the given ID, or nil.
func (r *Registry) Get(id string) *types.TargetServer {
	for _, s := range r.Servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Upsert adds or replaces a server by ID.
func (r *Registry) Upsert(s *types.TargetServer) {
	for i, existing := range r.Servers {
		if existing.ID == s.ID {
			r.Servers[i] = s
			return
		}
	}
	r.Servers = append(r.Servers, s)
}
