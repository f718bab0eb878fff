package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKeys name the top-level keys listing files to merge in.
var includeKeys = []string{"$include", "include"}

// LoadRaw reads path with includes resolved and returns the merged document
// as a generic map, before defaults and validation.
func LoadRaw(path string) (map[string]any, error) {
	node, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return raw, nil
}

func loadFile(path string) (*yaml.Node, error) {
	return loadRecursive(path, map[string]bool{})
}

func loadRecursive(path string, visiting map[string]bool) (*yaml.Node, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if visiting[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	node, err := parseBytes(expandEnv(data), abs)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(node)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	if len(includes) == 0 {
		return node, nil
	}

	merged := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	baseDir := filepath.Dir(abs)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		child, err := loadRecursive(inc, visiting)
		if err != nil {
			return nil, err
		}
		mergeNodes(merged, child)
	}
	mergeNodes(merged, node)
	return merged, nil
}

// parseBytes returns the document's root mapping. Empty documents yield an
// empty mapping.
func parseBytes(data []byte, path string) (*yaml.Node, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		node := &yaml.Node{}
		if err := node.Encode(raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if raw == nil {
			return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
		}
		return node, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return nil, fmt.Errorf("parse config %s: multiple YAML documents are not supported", path)
	} else if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse config %s: top level must be a mapping", path)
	}
	return root, nil
}

// extractIncludes removes the include keys from node and returns the paths
// they list. A single string and a list of strings are both accepted.
func extractIncludes(node *yaml.Node) ([]string, error) {
	var out []string
	kept := node.Content[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if !isIncludeKey(key.Value) {
			kept = append(kept, key, value)
			continue
		}
		switch value.Kind {
		case yaml.ScalarNode:
			if strings.TrimSpace(value.Value) != "" {
				out = append(out, value.Value)
			}
		case yaml.SequenceNode:
			for _, item := range value.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("%s entries must be strings", key.Value)
				}
				out = append(out, item.Value)
			}
		default:
			return nil, fmt.Errorf("%s must be a string or list of strings", key.Value)
		}
	}
	node.Content = kept
	return out, nil
}

func isIncludeKey(key string) bool {
	for _, k := range includeKeys {
		if key == k {
			return true
		}
	}
	return false
}

// mergeNodes merges src into dst. Mappings merge key by key, keeping the
// position of keys dst already has; anything else in src replaces dst.
func mergeNodes(dst, src *yaml.Node) {
	for i := 0; i+1 < len(src.Content); i += 2 {
		key, value := src.Content[i], src.Content[i+1]
		idx := -1
		for j := 0; j+1 < len(dst.Content); j += 2 {
			if dst.Content[j].Value == key.Value {
				idx = j
				break
			}
		}
		if idx < 0 {
			dst.Content = append(dst.Content, key, value)
			continue
		}
		existing := dst.Content[idx+1]
		if existing.Kind == yaml.MappingNode && value.Kind == yaml.MappingNode {
			mergeNodes(existing, value)
			continue
		}
		dst.Content[idx+1] = value
	}
}

// decodeInto decodes node over cfg, so unset fields keep their values.
func decodeInto(node *yaml.Node, cfg *Config) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode merged config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// expandEnv replaces ${VAR}, $VAR and ${VAR:-default}. Include keys are
// left alone.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(name string) string {
		if name == "include" {
			return "$include"
		}
		if key, def, ok := strings.Cut(name, ":-"); ok {
			if v, set := os.LookupEnv(key); set && v != "" {
				return v
			}
			return def
		}
		return os.Getenv(name)
	}))
}
