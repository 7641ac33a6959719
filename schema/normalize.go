package schema

import "strings"

// ScriptExtension is appended to every stored script name.
const ScriptExtension = ".cljs"

// BuiltinNamespace prefixes the names of scripts shipped with the daemon.
const BuiltinNamespace = "scriptbridge/"

// NormalizeScriptName turns a user supplied title into a filesystem-safe
// script name. Allowed characters: a-z, 0-9, '_' and '/' as a namespace
// separator. Everything else collapses to '_'. The result always ends in
// ScriptExtension.
func NormalizeScriptName(title string) (ScriptName, error) {
	value := strings.ToLower(strings.TrimSpace(title))
	value = strings.TrimSuffix(value, ScriptExtension)
	segments := strings.Split(value, "/")
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		if cleaned := normalizeSegment(segment); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	if len(out) == 0 {
		return "", ErrInvalidScriptName
	}
	return ScriptName(strings.Join(out, "/") + ScriptExtension), nil
}

func normalizeSegment(segment string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// ValidateScriptName reports whether name is already in normalized form.
func ValidateScriptName(name ScriptName) error {
	normalized, err := NormalizeScriptName(string(name))
	if err != nil {
		return err
	}
	if normalized != name {
		return ErrInvalidScriptName
	}
	return nil
}

// IsReservedName reports whether name lives in the built-in namespace.
func IsReservedName(name ScriptName) bool {
	return strings.HasPrefix(string(name), BuiltinNamespace)
}
