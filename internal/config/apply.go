package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tricorefile/aurelia/internal/registry"
	"github.com/tricorefile/aurelia/internal/types"
)

// ServerManifest is the YAML convenience form of a target server,
// parsed the way warren's cmd/warren apply.go parses a WarrenResource —
// the registry's JSON schema (spec §6.1) stays canonical; this is a
// declarative input format merged into it.
type ServerManifest struct {
	APIVersion string             `yaml:"apiVersion"`
	Kind       string             `yaml:"kind"`
	Metadata   ManifestMetadata   `yaml:"metadata"`
	Spec       ServerManifestSpec `yaml:"spec"`
}

type ManifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type ServerManifestSpec struct {
	IP                string   `yaml:"ip"`
	Port              int      `yaml:"port,omitempty"`
	Username          string   `yaml:"username"`
	AuthMethod        string   `yaml:"authMethod"`
	SSHKeyPath        string   `yaml:"sshKeyPath,omitempty"`
	PasswordBase64    string   `yaml:"passwordBase64,omitempty"`
	RemotePath        string   `yaml:"remotePath"`
	Enabled           *bool    `yaml:"enabled,omitempty"`
	Priority          int      `yaml:"priority,omitempty"`
	Tags              []string `yaml:"tags,omitempty"`
	MaxRetries        int      `yaml:"maxRetries,omitempty"`
	RetryDelaySeconds int      `yaml:"retryDelaySeconds,omitempty"`
}

// ApplyFile reads a YAML manifest at path, kind "TargetServer", and
// merges (upsert-by-id, id = metadata.name) the described server into
// reg, saving the registry's canonical JSON afterward.
func ApplyFile(reg *registry.Registry, path string) (*types.TargetServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.ApplyFile: read %s: %w", path, err)
	}

	var manifest ServerManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("config.ApplyFile: parse %s: %w", path, err)
	}
	if manifest.Kind != "" && manifest.Kind != "TargetServer" {
		return nil, fmt.Errorf("config.ApplyFile: unsupported manifest kind %q", manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return nil, fmt.Errorf("config.ApplyFile: metadata.name is required")
	}

	enabled := true
	if manifest.Spec.Enabled != nil {
		enabled = *manifest.Spec.Enabled
	}

	server := &types.TargetServer{
		ID:         manifest.Metadata.Name,
		Name:       manifest.Metadata.Name,
		IP:         manifest.Spec.IP,
		Port:       orDefaultInt(manifest.Spec.Port, 22),
		Username:   manifest.Spec.Username,
		RemotePath: manifest.Spec.RemotePath,
		Enabled:    enabled,
		Priority:   orDefaultInt(manifest.Spec.Priority, 100),
		Tags:       manifest.Spec.Tags,
		MaxRetries: orDefaultInt(manifest.Spec.MaxRetries, 3),
		RetryDelay: secondsOrDefault(manifest.Spec.RetryDelaySeconds, 60),
	}
	auth, err := authFromManifest(manifest.Spec)
	if err != nil {
		return nil, fmt.Errorf("config.ApplyFile: %w", err)
	}
	server.Auth = auth

	reg.Upsert(server)
	if err := reg.Save(); err != nil {
		return nil, fmt.Errorf("config.ApplyFile: save registry: %w", err)
	}
	return server, nil
}

// authFromManifest builds an AuthMethod from the manifest spec.
// PasswordBase64 follows the same on-disk convention as the registry's
// own password_base64 field (spec §6.1: base64(obfuscated_bytes)), so it
// is decoded here the same way registry.decodePassword decodes it,
// leaving ObfuscatedPassword holding the raw obfuscated bytes.
func authFromManifest(spec ServerManifestSpec) (types.AuthMethod, error) {
	switch spec.AuthMethod {
	case "password":
		pw, err := decodePasswordBase64(spec.PasswordBase64)
		if err != nil {
			return types.AuthMethod{}, err
		}
		return types.AuthMethod{Kind: types.AuthPassword, ObfuscatedPassword: pw}, nil
	case "key-with-passphrase":
		pw, err := decodePasswordBase64(spec.PasswordBase64)
		if err != nil {
			return types.AuthMethod{}, err
		}
		return types.AuthMethod{Kind: types.AuthKeyWithPassphrase, KeyPath: spec.SSHKeyPath, ObfuscatedPassword: pw}, nil
	default:
		return types.AuthMethod{Kind: types.AuthKey, KeyPath: spec.SSHKeyPath}, nil
	}
}

func decodePasswordBase64(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("passwordBase64 is required for this authMethod")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid passwordBase64: %w", err)
	}
	return raw, nil
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func secondsOrDefault(seconds, def int) time.Duration {
	if seconds <= 0 {
		seconds = def
	}
	return time.Duration(seconds) * time.Second
}
