package storage

import (
	"errors"
	"fmt"
)

const (
	OneKB = 1 << 10 // 1,024
	OneMB = 1 << 20 // 1,048,576

	DefaultReadBuffer = 64 * OneKB
	lookupReadBuffer  = 4 * OneKB
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrClosed        = errors.New("storage: file is closed")
	ErrBadOffset     = errors.New("storage: negative offset")
	ErrUnknownPolicy = errors.New("storage: unknown backing policy")
)

// Policy selects how a table file is held. It trades memory for speed and is
// invisible to callers of File.
type Policy uint8

const (
	// Log tables are append-mostly; reads go through a buffered disk cursor.
	Log Policy = iota + 1
	// Lookup tables are small and rewritten in place; the whole file lives in memory.
	Lookup
)

func (p Policy) String() string {
	switch p {
	case Log:
		return "log"
	case Lookup:
		return "lookup"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "log", "":
		return Log, nil
	case "lookup":
		return Lookup, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// MarshalText makes the policy readable in table metadata.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
