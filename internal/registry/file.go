package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/jsonc"
)

type document struct {
	Projects map[string]*Project `json:"projects"`
}

// LoadFile reads a project document of the form
//
//	{"projects": {"<key>": {"name": "...", "folder": "...", ...}}}
//
// Comments and trailing commas are allowed. A missing file is an error;
// callers treat it as fatal.
func LoadFile(path string) ([]*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes a project document. Projects are returned sorted by key.
func Parse(data []byte) ([]*Project, error) {
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}

	keys := make([]string, 0, len(doc.Projects))
	for k := range doc.Projects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	projects := make([]*Project, 0, len(keys))
	for _, k := range keys {
		p := doc.Projects[k]
		if p == nil {
			return nil, fmt.Errorf("parse project registry: project %q is null", k)
		}
		p.Key = k
		projects = append(projects, p)
	}
	return projects, nil
}
