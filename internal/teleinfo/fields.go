package teleinfo

import (
	"fmt"
	"strings"
)

// MaxWidth is the widest field whose wrap-around capacity (10^width) still
// fits in a uint64.
const MaxWidth = 19

// Field describes one tracked meter register.
type Field struct {
	Name    string
	Width   int
	Initial uint64
}

// DefaultFields returns the registers of a single-phase "base" subscription
// with heures creuses/pleines indexes, in emission order.
func DefaultFields() []Field {
	return []Field{
		{Name: "BASE", Width: 9, Initial: 0},
		{Name: "HCHC", Width: 9, Initial: 1111},
		{Name: "HCHP", Width: 9, Initial: 2222},
		{Name: "IINST", Width: 3, Initial: 120},
		{Name: "PAPP", Width: 5, Initial: 16254},
	}
}

// Capacity returns 10^Width, the first value that no longer fits the field.
func (f Field) Capacity() uint64 {
	c := uint64(1)
	for i := 0; i < f.Width; i++ {
		c *= 10
	}
	return c
}

// Validate checks that the field can be encoded on the wire.
func (f Field) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("field name is required")
	}
	if strings.ContainsAny(f.Name, string([]byte{SP, LF, CR, STX, ETX})) {
		return fmt.Errorf("field %q: name contains a reserved byte", f.Name)
	}
	if f.Width < 1 || f.Width > MaxWidth {
		return fmt.Errorf("field %q: invalid width %d: must be between 1 and %d", f.Name, f.Width, MaxWidth)
	}
	if f.Initial >= f.Capacity() {
		return fmt.Errorf("field %q: initial value %d does not fit in %d digits", f.Name, f.Initial, f.Width)
	}
	return nil
}

// Counter is a simulated register value.
type Counter struct {
	Field
	Value uint64
}

// NewCounters validates the fields and returns counters set to their
// initial values, in the same order.
func NewCounters(fields []Field) ([]Counter, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one field is required")
	}
	seen := make(map[string]bool, len(fields))
	counters := make([]Counter, 0, len(fields))
	for _, f := range fields {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		counters = append(counters, Counter{Field: f, Value: f.Initial})
	}
	return counters, nil
}

// Group encodes the counter's current value as a data group.
func (c Counter) Group() string {
	return EncodeGroup(c.Name, c.Value, c.Width)
}

// Advance increments the value by one, rolling over to zero once the field's
// digit capacity is reached, the way a real meter index does.
func (c *Counter) Advance() {
	c.Value = (c.Value + 1) % c.Capacity()
}
