// Package manifest extracts the metadata map embedded at the top of a script.
//
// A script starts with an EDN map literal, for example:
//
//	{:name "GitHub tweaks"
//	 :description "Hide the feed"
//	 :match ["https://github.com/*"]
//	 :run-at "document-end"}
//
// Only :name is required. Unknown keys are ignored.
package manifest

import (
	"fmt"
	"strings"

	"olympos.io/encoding/edn"

	"pkt.systems/scriptbridge/schema"
)

// Manifest is the parsed script metadata.
type Manifest struct {
	Title       string
	Name        schema.ScriptName
	Description string
	Matches     []string
	RunAt       schema.RunAt
	Inject      []string
}

// Parse reads the manifest from the first form of code.
func Parse(code string) (Manifest, error) {
	src, err := leadingForm(code)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", schema.ErrInvalidManifest, err)
	}
	var form any
	if err := edn.UnmarshalString(src, &form); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", schema.ErrInvalidManifest, err)
	}
	raw, ok := form.(map[any]any)
	if !ok {
		return Manifest{}, fmt.Errorf("%w: script must start with a manifest map", schema.ErrInvalidManifest)
	}
	fields := make(map[edn.Keyword]any, len(raw))
	for key, value := range raw {
		if k, ok := key.(edn.Keyword); ok {
			fields[k] = value
		}
	}

	var m Manifest
	title, ok := fields["name"].(string)
	if !ok || strings.TrimSpace(title) == "" {
		return Manifest{}, fmt.Errorf("%w: :name must be a non-empty string", schema.ErrInvalidManifest)
	}
	m.Title = strings.TrimSpace(title)
	if m.Name, err = schema.NormalizeScriptName(m.Title); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", schema.ErrInvalidManifest, err)
	}
	if desc, ok := fields["description"].(string); ok {
		m.Description = strings.TrimSpace(desc)
	}
	if m.Matches, err = stringList(fields["match"]); err != nil {
		return Manifest{}, fmt.Errorf("%w: :match %v", schema.ErrInvalidManifest, err)
	}
	if m.Inject, err = stringList(fields["inject"]); err != nil {
		return Manifest{}, fmt.Errorf("%w: :inject %v", schema.ErrInvalidManifest, err)
	}
	if m.RunAt, err = runAt(fields["run-at"]); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", schema.ErrInvalidManifest, err)
	}
	return m, nil
}

// Apply copies manifest fields onto script, keeping its stored state.
func (m Manifest) Apply(script schema.Script) schema.Script {
	script.Name = m.Name
	script.Description = m.Description
	script.Matches = m.Matches
	script.RunAt = m.RunAt
	script.Inject = m.Inject
	return script
}

func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{strings.TrimSpace(v)}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entries must be strings")
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a string or a vector of strings")
	}
}

func runAt(value any) (schema.RunAt, error) {
	var raw string
	switch v := value.(type) {
	case nil:
		return schema.RunAtDocumentIdle, nil
	case string:
		raw = v
	case edn.Keyword:
		raw = string(v)
	default:
		return "", fmt.Errorf(":run-at must be a string")
	}
	switch schema.RunAt(strings.TrimSpace(raw)) {
	case schema.RunAtDocumentStart:
		return schema.RunAtDocumentStart, nil
	case schema.RunAtDocumentEnd:
		return schema.RunAtDocumentEnd, nil
	case schema.RunAtDocumentIdle, "":
		return schema.RunAtDocumentIdle, nil
	default:
		return "", fmt.Errorf("unsupported :run-at %q", raw)
	}
}
