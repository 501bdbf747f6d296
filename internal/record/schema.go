package record

import (
	"fmt"
	"strings"
)

type Type uint8

const (
	TypeBool Type = iota + 1
	TypeLong
	TypeDouble
	TypeString
	TypeTimestamp // epoch millis
	TypeEnum      // stored in string form
)

var typeNames = map[Type]string{
	TypeBool:      "bool",
	TypeLong:      "long",
	TypeDouble:    "double",
	TypeString:    "string",
	TypeTimestamp: "timestamp",
	TypeEnum:      "enum",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType accepts the names produced by Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

// Column keeps its slot in the byte layout for its whole life. Deleted columns
// are soft-dropped: they are still encoded, as a single null marker.
type Column struct {
	Name      string   `json:"name"`
	Type      Type     `json:"type"`
	Nullable  bool     `json:"nullable"`
	Unique    bool     `json:"unique,omitempty"`
	Indexed   bool     `json:"indexed,omitempty"`
	Immutable bool     `json:"immutable,omitempty"`
	Deleted   bool     `json:"deleted,omitempty"`
	Enum      []string `json:"enum,omitempty"`
}

// Schema lists columns in declaration order, deleted ones included.
type Schema struct {
	Cols []Column `json:"cols"`
}

func (s Schema) NumCols() int { return len(s.Cols) }

// Index returns the slot of the named live column, or -1.
func (s Schema) Index(name string) int {
	for i := range s.Cols {
		if s.Cols[i].Name == name && !s.Cols[i].Deleted {
			return i
		}
	}
	return -1
}

// Column returns the named live column.
func (s Schema) Column(name string) (Column, bool) {
	i := s.Index(name)
	if i < 0 {
		return Column{}, false
	}
	return s.Cols[i], true
}

// Clone copies the column slice so schema evolution never aliases a
// schema already handed to a reader.
func (s Schema) Clone() Schema {
	cols := make([]Column, len(s.Cols))
	copy(cols, s.Cols)
	return Schema{Cols: cols}
}
