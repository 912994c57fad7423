package registry

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

//go:embed roles.json
var defaultRolesFS embed.FS

type roleDefinitionJSON struct {
	Role         domain.Role `json:"role" yaml:"role"`
	SystemPrompt string      `json:"system_prompt" yaml:"system_prompt"`
}

// StaticDefinitionStore serves a fixed, already-loaded map. Useful for
// tests and for embedding the shipped defaults without touching disk.
type StaticDefinitionStore map[domain.Role]RoleDefinition

func (s StaticDefinitionStore) Load(ctx context.Context) (map[domain.Role]RoleDefinition, error) {
	return map[domain.Role]RoleDefinition(s), nil
}

// FileDefinitionStore reloads role definitions from a JSON or YAML file on
// every Load call, grounded on this codebase's agent type registry pattern
// of an on-disk, hot-reloadable config. A Factory calls Load only on its
// first Create and on Reload, so an edited file takes effect on Reload.
type FileDefinitionStore struct {
	path string
}

// NewFileDefinitionStore returns a store reading definitions from path.
func NewFileDefinitionStore(path string) *FileDefinitionStore {
	return &FileDefinitionStore{path: path}
}

// Load reads s.path fresh off disk every call. A ".yaml"/".yml" extension
// is parsed as YAML (the format operators tend to hand-edit system
// prompts in); any other extension is parsed as the shipped JSON format.
func (s *FileDefinitionStore) Load(ctx context.Context) (map[domain.Role]RoleDefinition, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("registry: read role definitions: %w", err)
	}
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		return parseRoleDefinitionsYAML(data)
	default:
		return parseRoleDefinitions(data)
	}
}

// DefaultDefinitionStore serves the embedded roles.json shipped with
// this module, covering every SquadMember role with a baseline system
// prompt. Intended as a fallback for deployments that haven't supplied
// their own FileDefinitionStore path yet.
func DefaultDefinitionStore() StaticDefinitionStore {
	data, err := defaultRolesFS.ReadFile("roles.json")
	if err != nil {
		// The embedded file ships with the binary; this cannot fail.
		return StaticDefinitionStore{}
	}
	defs, err := parseRoleDefinitions(data)
	if err != nil {
		return StaticDefinitionStore{}
	}
	return StaticDefinitionStore(defs)
}

func parseRoleDefinitions(data []byte) (map[domain.Role]RoleDefinition, error) {
	var entries []roleDefinitionJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("registry: parse role definitions: %w", err)
	}

	defs := make(map[domain.Role]RoleDefinition, len(entries))
	for _, e := range entries {
		if !e.Role.IsValid() {
			continue
		}
		defs[e.Role] = RoleDefinition{Role: e.Role, SystemPrompt: e.SystemPrompt}
	}
	return defs, nil
}

func parseRoleDefinitionsYAML(data []byte) (map[domain.Role]RoleDefinition, error) {
	var entries []roleDefinitionJSON
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("registry: parse role definitions: %w", err)
	}

	defs := make(map[domain.Role]RoleDefinition, len(entries))
	for _, e := range entries {
		if !e.Role.IsValid() {
			continue
		}
		defs[e.Role] = RoleDefinition{Role: e.Role, SystemPrompt: e.SystemPrompt}
	}
	return defs, nil
}
