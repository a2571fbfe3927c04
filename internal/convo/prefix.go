package convo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// fileTurn is the on-disk shape of an example exchange.
type fileTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// LoadPrefix builds a pinned prefix from a plain-text system prompt
// and a JSON array of example turns. Either path may be empty.
func LoadPrefix(systemFile, baseFile string) ([]Turn, error) {
	var prefix []Turn
	if systemFile != "" {
		data, err := os.ReadFile(systemFile)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			prefix = append(prefix, Turn{Role: RoleSystem, Text: text})
		}
	}
	if baseFile != "" {
		turns, err := LoadTurns(baseFile)
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, turns...)
	}
	return prefix, nil
}

// LoadTurns reads a JSON array of {role, content, name} objects.
func LoadTurns(path string) ([]Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	var raw []fileTurn
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	turns := make([]Turn, 0, len(raw))
	for i, r := range raw {
		role := Role(r.Role)
		switch role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("parse %s: turn %d has unknown role %q", path, i, r.Role)
		}
		turns = append(turns, Turn{Role: role, Speaker: r.Name, Text: r.Content})
	}
	return turns, nil
}
