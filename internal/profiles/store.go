// Package profiles manages named connection profiles: non-secret data plus
// secrets sealed at rest. Plaintext secret material never reaches disk.
package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentryfrogg/sentryfrogg/internal/crypto"
	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/toolerr"
)

// Profile is the persisted (sealed) form.
type Profile struct {
	Type      string            `json:"type"`
	Data      map[string]any    `json:"data"`
	Secrets   map[string]string `json:"secrets"` // field -> sealed blob
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Resolved is the in-memory decrypted view returned by Get. It is call-local:
// the store never retains decrypted secret material.
type Resolved struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Data    map[string]any    `json:"data"`
	Secrets map[string]string `json:"secrets"`
}

// Summary is the listing view; never includes secret values.
type Summary struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	DataKeys   []string  `json:"data_keys"`
	SecretKeys []string  `json:"secret_keys"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// VaultResolver fetches ref:vault:... secrets on demand.
type VaultResolver interface {
	Resolve(ctx context.Context, ref string, vaultProfile string) (string, error)
}

// Store owns profiles.json.
type Store struct {
	mu       sync.Mutex
	path     string
	crypto   *crypto.Manager
	vault    VaultResolver
	profiles map[string]*Profile
}

// NewStore loads profiles.json (missing file is an empty store).
func NewStore(path string, cm *crypto.Manager) (*Store, error) {
	s := &Store{
		path:     path,
		crypto:   cm,
		profiles: map[string]*Profile{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.profiles); err != nil {
			return nil, fmt.Errorf("profiles file %s is corrupt: %w", path, err)
		}
	}
	return s, nil
}

// SetVaultResolver wires the external vault client after construction.
func (s *Store) SetVaultResolver(v VaultResolver) {
	s.mu.Lock()
	s.vault = v
	s.mu.Unlock()
}

// SetRequest carries a profile create/update.
type SetRequest struct {
	Name string
	Type string
	// Data merges onto existing data; a nil value deletes that key.
	Data map[string]any
	// Secrets merges onto existing secrets; a nil value deletes that secret.
	// ClearSecrets wipes all secrets first (the JSON "secrets": null form).
	Secrets      map[string]any
	ClearSecrets bool
}

// Set creates or updates a profile. New secret values are sealed before the
// store is persisted.
func (s *Store) Set(req SetRequest) (*Summary, error) {
	if req.Name == "" {
		return nil, toolerr.InvalidParams("MISSING_INPUTS", "profile name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p, exists := s.profiles[req.Name]
	if !exists {
		if req.Type == "" {
			return nil, toolerr.InvalidParams("MISSING_INPUTS", "profile type is required for a new profile")
		}
		p = &Profile{
			Type:      req.Type,
			Data:      map[string]any{},
			Secrets:   map[string]string{},
			CreatedAt: now,
		}
		s.profiles[req.Name] = p
	} else if req.Type != "" && req.Type != p.Type {
		return nil, toolerr.Conflict("PROFILE_TYPE_MISMATCH",
			"profile %q is type %q, not %q", req.Name, p.Type, req.Type)
	}

	for k, v := range req.Data {
		if v == nil {
			delete(p.Data, k)
		} else {
			p.Data[k] = v
		}
	}

	if req.ClearSecrets {
		p.Secrets = map[string]string{}
	}
	for k, v := range req.Secrets {
		if v == nil {
			delete(p.Secrets, k)
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, toolerr.InvalidParams("MISSING_INPUTS", "secret %q must be a string", k)
		}
		sealed, err := s.crypto.Seal(str)
		if err != nil {
			return nil, toolerr.Internal("DECRYPT_FAILED", "failed to seal secret %q: %v", k, err)
		}
		p.Secrets[k] = sealed
	}

	p.UpdatedAt = now
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	sum := summarize(req.Name, p)
	return &sum, nil
}

// Get returns the decrypted profile, enforcing the expected type when given.
// Secret refs (ref:env:..., ref:vault:...) are resolved at read time.
func (s *Store) Get(ctx context.Context, name, expectedType string) (*Resolved, error) {
	s.mu.Lock()
	p, ok := s.profiles[name]
	vault := s.vault
	s.mu.Unlock()

	if !ok {
		return nil, toolerr.NotFound("PROFILE_NOT_FOUND", "profile not found: %s", name)
	}
	if expectedType != "" && p.Type != expectedType {
		return nil, toolerr.Conflict("PROFILE_TYPE_MISMATCH",
			"profile %q is type %q, expected %q", name, p.Type, expectedType)
	}

	vaultProfile, _ := p.Data["vault_profile"].(string)

	res := &Resolved{
		Name:    name,
		Type:    p.Type,
		Data:    map[string]any{},
		Secrets: map[string]string{},
	}
	for k, v := range p.Data {
		res.Data[k] = v
	}
	for k, sealed := range p.Secrets {
		plain, err := s.crypto.Open(sealed)
		if err != nil {
			return nil, toolerr.Internal("DECRYPT_FAILED", "failed to open secret %q of profile %q", k, name)
		}
		resolved, err := resolveRef(ctx, plain, vault, vaultProfile)
		if err != nil {
			return nil, err
		}
		res.Secrets[k] = resolved
	}
	return res, nil
}

func resolveRef(ctx context.Context, plain string, vault VaultResolver, vaultProfile string) (string, error) {
	switch {
	case strings.HasPrefix(plain, "ref:env:"):
		return os.Getenv(strings.TrimPrefix(plain, "ref:env:")), nil
	case strings.HasPrefix(plain, "ref:vault:"):
		if vault == nil {
			return "", toolerr.Internal("POLICY_SERVICE_UNAVAILABLE", "vault resolver is not configured")
		}
		return vault.Resolve(ctx, plain, vaultProfile)
	default:
		return plain, nil
	}
}

// List summarizes profiles, optionally filtered by type. Never includes
// secret values.
func (s *Store) List(typ string) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Summary{}
	for name, p := range s.profiles {
		if typ != "" && p.Type != typ {
			continue
		}
		out = append(out, summarize(name, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a profile.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[name]; !ok {
		return toolerr.NotFound("PROFILE_NOT_FOUND", "profile not found: %s", name)
	}
	delete(s.profiles, name)
	return s.flushLocked()
}

func summarize(name string, p *Profile) Summary {
	dataKeys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		dataKeys = append(dataKeys, k)
	}
	secretKeys := make([]string, 0, len(p.Secrets))
	for k := range p.Secrets {
		secretKeys = append(secretKeys, k)
	}
	sort.Strings(dataKeys)
	sort.Strings(secretKeys)
	return Summary{Name: name, Type: p.Type, DataKeys: dataKeys, SecretKeys: secretKeys, UpdatedAt: p.UpdatedAt}
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	if err := paths.WriteFileAtomic(s.path, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Profile flush failed")
		return err
	}
	return nil
}
