// Package protocol defines the wire shapes exchanged between the controller
// and the overlay handler injected into browser tabs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Kind discriminates command payloads.
type Kind string

const (
	// KindPing is the liveness probe. It carries no fields.
	KindPing Kind = "PING"
	// KindToggle shows or hides the overlay.
	KindToggle Kind = "TOGGLE"
	// KindChangeTheme switches the overlay palette. Field: theme.
	KindChangeTheme Kind = "CHANGE_THEME"
	// KindGetState asks the handler for its current overlay state.
	KindGetState Kind = "GET_STATE"
)

// kindField is the JSON key carrying the discriminator.
const kindField = "kind"

// ErrMissingKind is returned when a payload has no kind discriminator.
var ErrMissingKind = errors.New("command has no kind")

// Command is an immutable tagged payload. The zero value is invalid.
type Command struct {
	kind   Kind
	fields map[string]any
}

// NewCommand builds a command. The fields map is copied; later changes to
// the caller's map do not affect the command.
func NewCommand(kind Kind, fields map[string]any) Command {
	var f map[string]any
	if len(fields) > 0 {
		f = maps.Clone(fields)
		delete(f, kindField)
	}
	return Command{kind: Kind(strings.ToUpper(string(kind))), fields: f}
}

// Ping returns a PING command.
func Ping() Command { return NewCommand(KindPing, nil) }

// Toggle returns a TOGGLE command.
func Toggle() Command { return NewCommand(KindToggle, nil) }

// ChangeTheme returns a CHANGE_THEME command for the named theme.
func ChangeTheme(theme string) Command {
	return NewCommand(KindChangeTheme, map[string]any{"theme": theme})
}

// GetState returns a GET_STATE command.
func GetState() Command { return NewCommand(KindGetState, nil) }

// Kind returns the discriminator.
func (c Command) Kind() Kind { return c.kind }

// Field returns a kind-specific field.
func (c Command) Field(name string) (any, bool) {
	v, ok := c.fields[name]
	return v, ok
}

// Fields returns a copy of the kind-specific fields.
func (c Command) Fields() map[string]any {
	return maps.Clone(c.fields)
}

// IsZero reports whether the command was never constructed.
func (c Command) IsZero() bool { return c.kind == "" }

// String returns a short description for logs.
func (c Command) String() string {
	if len(c.fields) == 0 {
		return string(c.kind)
	}
	return fmt.Sprintf("%s%v", c.kind, c.fields)
}

// MarshalJSON encodes the command as {"kind": ..., ...fields}.
func (c Command) MarshalJSON() ([]byte, error) {
	if c.kind == "" {
		return nil, ErrMissingKind
	}
	out := make(map[string]any, len(c.fields)+1)
	for k, v := range c.fields {
		out[k] = v
	}
	out[kindField] = c.kind
	return json.Marshal(out)
}

// UnmarshalJSON decodes {"kind": ..., ...fields}.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	kind, _ := raw[kindField].(string)
	if kind == "" {
		return ErrMissingKind
	}
	*c = NewCommand(Kind(kind), raw)
	return nil
}

// Encode serializes a command for the wire.
func Encode(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses a command from the wire. Legacy vocabularies are accepted,
// see ParseLegacy.
func Decode(data []byte) (Command, error) {
	return ParseLegacy(data)
}
