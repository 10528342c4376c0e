// Package flowfile reads flow definitions from YAML or JSON files.
package flowfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kapixcr/Kapchat-sub000/pkg/schema"
)

// Format is the encoding of a flow file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension. Unknown extensions are
// treated as YAML, which also accepts JSON documents.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads and normalizes one flow file. A missing id defaults to the
// file name without extension.
func Load(path string) (*schema.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	flow, err := Parse(raw, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if flow.ID == "" {
		flow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return flow, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir, sorted by name.
func LoadDir(dir string) ([]*schema.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	flows := make([]*schema.Flow, 0, len(names))
	for _, name := range names {
		f, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// Parse decodes a flow document and fills in derivable fields.
func Parse(raw []byte, format Format) (*schema.Flow, error) {
	var flow schema.Flow
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&flow); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow JSON").WithCause(err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&flow); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow YAML").WithCause(err)
		}
	}

	if err := Normalize(&flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// Normalize infers the entry node when it is missing and assigns ids to
// connections that lack one.
func Normalize(flow *schema.Flow) error {
	if flow.EntryNodeID == "" {
		entry, err := InferEntryNode(flow)
		if err != nil {
			return err
		}
		flow.EntryNodeID = entry
	}
	for i := range flow.Nodes {
		conns := flow.Nodes[i].Connections
		for j := range conns {
			if conns[j].ID == "" {
				conns[j].ID = uuid.NewString()
			}
		}
	}
	return nil
}

// InferEntryNode returns the only node no connection points at. Zero or
// several candidates are a validation error: the file must name entry_node_id.
func InferEntryNode(flow *schema.Flow) (string, error) {
	targeted := make(map[string]bool)
	for _, n := range flow.Nodes {
		for _, c := range n.Connections {
			targeted[c.TargetNodeID] = true
		}
	}

	var candidates []string
	for _, n := range flow.Nodes {
		if !targeted[n.ID] {
			candidates = append(candidates, n.ID)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", schema.NewError(schema.ErrCodeValidation,
			"entry_node_id is required: every node has an incoming connection")
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"entry_node_id is required: %d candidate entry nodes (%s)",
			len(candidates), strings.Join(candidates, ", "))
	}
}

// Marshal encodes a flow in the given format.
func Marshal(flow *schema.Flow, format Format) ([]byte, error) {
	if format == FormatJSON {
		return json.MarshalIndent(flow, "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(flow); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
