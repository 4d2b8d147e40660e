// Package registry holds the project descriptors the server exposes.
//
// The registry is loaded once at startup, from a JSON document or a
// Postgres table, and is read-only afterwards so it can be shared by
// every request without locking.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrUnknownKey is returned by Lookup for keys with no project.
	ErrUnknownKey = errors.New("unknown project key")
	// ErrNoFolder is returned by Root for descriptors without a folder.
	ErrNoFolder = errors.New("folder missing from project config")
)

// Project is one project descriptor. Identity is Key.
type Project struct {
	Key    string
	Name   string
	Folder string
	// Extra holds every other field of the descriptor verbatim.
	Extra map[string]json.RawMessage
}

// Root returns the absolute folder the project is sandboxed in. Relative
// folders are resolved against base.
func (p *Project) Root(base string) (string, error) {
	if p.Folder == "" {
		return "", ErrNoFolder
	}
	root := p.Folder
	if !filepath.IsAbs(root) {
		root = filepath.Join(base, root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root for %q: %w", p.Name, err)
	}
	return abs, nil
}

// UnmarshalJSON decodes a descriptor object, keeping unknown fields.
func (p *Project) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &p.Name); err != nil {
			return fmt.Errorf("project name: %w", err)
		}
		delete(fields, "name")
	}
	if raw, ok := fields["folder"]; ok {
		if err := json.Unmarshal(raw, &p.Folder); err != nil {
			return fmt.Errorf("project folder: %w", err)
		}
		delete(fields, "folder")
	}
	if len(fields) > 0 {
		p.Extra = fields
	}
	return nil
}

// MarshalJSON renders the descriptor as the editor expects it: every
// extra field plus name and folder. The key is never included.
func (p *Project) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["name"] = p.Name
	if p.Folder != "" {
		out["folder"] = p.Folder
	}
	return json.Marshal(out)
}
