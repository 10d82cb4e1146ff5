package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

var ErrInvalidKey = errors.New("invalid key")

// Key identifies a trigger or a work item. Names are unique within a group.
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewKey trims both parts and fills in DefaultGroup.
func NewKey(name, group string) Key {
	group = strings.TrimSpace(group)
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: strings.TrimSpace(name), Group: group}
}

// ParseKey accepts "group.name" or a bare "name".
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if i := strings.Index(s, "."); i > 0 && i < len(s)-1 {
		return NewKey(s[i+1:], s[:i]), nil
	}
	return NewKey(s, ""), nil
}

func (k Key) String() string { return k.Group + "." + k.Name }

func (k Key) IsZero() bool { return k.Name == "" && k.Group == "" }

func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidKey)
	}
	if strings.TrimSpace(k.Group) == "" {
		return fmt.Errorf("%w: group required", ErrInvalidKey)
	}
	return nil
}

// Less orders keys by group, then name.
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}
