package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// legacyKinds maps the older action/type vocabularies onto kinds.
var legacyKinds = map[string]Kind{
	"ping":            KindPing,
	"toggle":          KindToggle,
	"toggle-debugger": KindToggle,
	"toggle_debugger": KindToggle,
	"change-theme":    KindChangeTheme,
	"change_theme":    KindChangeTheme,
	"set-theme":       KindChangeTheme,
	"get-state":       KindGetState,
	"get_state":       KindGetState,
}

// ParseLegacy decodes a command written in any of the vocabularies seen in
// the wild: {"kind": "TOGGLE"}, {"type": "TOGGLE_DEBUGGER"} and
// {"action": "toggle-debugger"}. The result always uses the kind field.
func ParseLegacy(data []byte) (Command, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}

	var name string
	for _, key := range []string{kindField, "type", "action"} {
		if s, ok := raw[key].(string); ok && s != "" {
			name = s
			delete(raw, key)
			break
		}
	}
	if name == "" {
		return Command{}, ErrMissingKind
	}

	return NewCommand(normalizeKind(name), raw), nil
}

func normalizeKind(name string) Kind {
	if k, ok := legacyKinds[strings.ToLower(name)]; ok {
		return k
	}
	return Kind(strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
}
