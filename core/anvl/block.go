package anvl

import "strings"

// Value is one ANVL field value: either a scalar string or a `|`-delimited
// list of strings.
type Value struct {
	parts []string
	list  bool
}

// Scalar builds a scalar Value, mostly useful in tests.
func Scalar(s string) Value {
	return Value{parts: []string{s}}
}

// List builds a list Value.
func List(parts ...string) Value {
	return Value{parts: parts, list: true}
}

// IsList reports whether the value was pipe-delimited in the source.
func (v Value) IsList() bool {
	return v.list
}

// Parts returns the value elements. A scalar has exactly one element.
func (v Value) Parts() []string {
	return v.parts
}

// String returns the scalar value, or the list elements joined with " | ".
func (v Value) String() string {
	if len(v.parts) == 0 {
		return ""
	}
	if !v.list {
		return v.parts[0]
	}
	return strings.Join(v.parts, " | ")
}

// Empty reports whether the value carries no content at all. A list is never
// empty; splitting on a pipe always yields at least two elements.
func (v Value) Empty() bool {
	if v.list {
		return len(v.parts) == 0
	}
	return len(v.parts) == 0 || v.parts[0] == ""
}

// Interface returns the value as a plain string or []string, for placement
// in loosely typed structures such as record comments.
func (v Value) Interface() any {
	if v.list {
		return append([]string(nil), v.parts...)
	}
	return v.String()
}

// Field is one labeled value in a Block, in source order.
type Field struct {
	Label string
	Value Value
}

// Block is an ordered collection of ANVL fields. A block whose first label
// had no value (the registry's `naa:` grouping convention) carries that
// label as its Name, with the remaining fields nested beneath it.
type Block struct {
	name   string
	fields []Field
	index  map[string]int
}

func newBlock() *Block {
	return &Block{index: make(map[string]int)}
}

// add records a labeled value, promoting a repeated label to a flattened
// list with the new elements appended.
func (b *Block) add(label string, v Value) {
	if i, ok := b.index[label]; ok {
		prev := b.fields[i].Value
		b.fields[i].Value = Value{
			parts: append(append([]string(nil), prev.parts...), v.parts...),
			list:  true,
		}
		return
	}
	b.index[label] = len(b.fields)
	b.fields = append(b.fields, Field{Label: label, Value: v})
}

// extend appends continuation text to the last element of label's value,
// separated by a single space. An empty prior value is replaced outright.
func (b *Block) extend(label, text string) {
	i, ok := b.index[label]
	if !ok {
		return
	}
	v := b.fields[i].Value
	if len(v.parts) == 0 {
		v.parts = []string{text}
	} else if last := len(v.parts) - 1; v.parts[last] == "" {
		v.parts[last] = text
	} else {
		v.parts[last] += " " + text
	}
	b.fields[i].Value = v
}

// rewind applies the block-shape rule: when the first label's value is empty
// the block is nested, with the first label naming the group and the
// remaining fields beneath it. Otherwise the block stays flat.
func (b *Block) rewind() *Block {
	if len(b.fields) == 0 {
		return b
	}
	first := b.fields[0]
	if !first.Value.Empty() {
		return b
	}
	nested := &Block{name: first.Label, index: make(map[string]int, len(b.fields)-1)}
	for _, f := range b.fields[1:] {
		nested.index[f.Label] = len(nested.fields)
		nested.fields = append(nested.fields, f)
	}
	return nested
}

// Name returns the grouping label of a nested block, or "" for a flat block.
func (b *Block) Name() string {
	return b.name
}

// Section returns the fields grouped under label in a nested block.
func (b *Block) Section(label string) (*Block, bool) {
	if b.name != label {
		return nil, false
	}
	return &Block{fields: b.fields, index: b.index}, true
}

// Get returns the value for label.
func (b *Block) Get(label string) (Value, bool) {
	i, ok := b.index[label]
	if !ok {
		return Value{}, false
	}
	return b.fields[i].Value, true
}

// Fields returns the block's fields in source order.
func (b *Block) Fields() []Field {
	return b.fields
}

// Len returns the number of distinct labels in the block.
func (b *Block) Len() int {
	return len(b.fields)
}
