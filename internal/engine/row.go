package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueType names the type of one field in a row.
type ValueType string

const (
	TypeString  ValueType = "String"
	TypeInteger ValueType = "Integer"
	TypeNumber  ValueType = "Number"
	TypeBoolean ValueType = "Boolean"
	TypeDate    ValueType = "Date"
	TypeNone    ValueType = "None"
)

// ValueMeta describes one field.
type ValueMeta struct {
	Name string    `json:"name" xml:"name"`
	Type ValueType `json:"type" xml:"type"`
}

// RowMeta is the schema of the rows flowing through a step.
type RowMeta struct {
	Values []ValueMeta `json:"values" xml:"value-meta"`
}

func NewRowMeta(values ...ValueMeta) *RowMeta {
	return &RowMeta{Values: append([]ValueMeta(nil), values...)}
}

// Size returns the number of fields.
func (m *RowMeta) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Values)
}

// IndexOf returns the position of the named field or -1.
func (m *RowMeta) IndexOf(name string) int {
	if m == nil {
		return -1
	}
	for i, v := range m.Values {
		if v.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the field names in order.
func (m *RowMeta) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.Values))
	for i, v := range m.Values {
		out[i] = v.Name
	}
	return out
}

// With returns a copy of m with extra fields appended.
func (m *RowMeta) With(values ...ValueMeta) *RowMeta {
	out := &RowMeta{}
	if m != nil {
		out.Values = append(out.Values, m.Values...)
	}
	out.Values = append(out.Values, values...)
	return out
}

func (m *RowMeta) String() string {
	if m == nil {
		return "[]"
	}
	parts := make([]string, len(m.Values))
	for i, v := range m.Values {
		parts[i] = fmt.Sprintf("%s %s", v.Name, v.Type)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Row is one record; values line up with a RowMeta.
type Row []any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row { return append(Row(nil), r...) }

// TypeOf maps a Go value to the field type used in row metadata.
func TypeOf(v any) ValueType {
	switch v.(type) {
	case nil:
		return TypeNone
	case string:
		return TypeString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case time.Time:
		return TypeDate
	default:
		return TypeString
	}
}

// FormatValue renders one field value as text. Filters and sniff output
// share it, so a value compares equal to what a sniff shows.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
