// Copyright (C) 2025 ScyllaDB

package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
)

type TypeKind string

const (
	KindNative TypeKind = "native"
	KindList   TypeKind = "list"
	KindSet    TypeKind = "set"
	KindMap    TypeKind = "map"
	KindTuple  TypeKind = "tuple"
	KindVector TypeKind = "vector"
	KindUDT    TypeKind = "udt"
	KindCustom TypeKind = "custom"
)

// DataType is a parsed CQL type as stored in system_schema.
type DataType struct {
	Kind TypeKind `json:"kind"`
	// Name is the native type name, the user type name or the custom class.
	Name      string     `json:"name,omitempty"`
	Params    []DataType `json:"params,omitempty"`
	Frozen    bool       `json:"frozen,omitempty"`
	Dimension int        `json:"dimension,omitempty"`
}

func (t DataType) String() string {
	var s string
	switch t.Kind {
	case KindNative:
		s = t.Name
	case KindUDT:
		s = quoteIdent(t.Name)
	case KindCustom:
		s = "'" + t.Name + "'"
	case KindVector:
		s = fmt.Sprintf("vector<%s, %d>", t.Params[0], t.Dimension)
	default:
		parts := make([]string, 0, len(t.Params))
		for _, p := range t.Params {
			parts = append(parts, p.String())
		}
		s = fmt.Sprintf("%s<%s>", t.Kind, strings.Join(parts, ", "))
	}
	if t.Frozen {
		return "frozen<" + s + ">"
	}
	return s
}

// Option converts t to a wire type. User types are resolved in ks, nested
// user types of other keyspaces are not supported.
func (t DataType) Option(ks *Keyspace) (frame.Option, error) {
	switch t.Kind {
	case KindNative:
		id, ok := frame.NativeTypeByName(t.Name)
		if !ok {
			return frame.Option{}, fmt.Errorf("unknown native type %q", t.Name)
		}
		return frame.NativeOption(id), nil
	case KindCustom:
		return frame.Option{ID: frame.TypeCustom, Custom: t.Name}, nil
	case KindList, KindSet:
		elem, err := t.Params[0].Option(ks)
		if err != nil {
			return frame.Option{}, err
		}
		if t.Kind == KindSet {
			return frame.SetOf(elem), nil
		}
		return frame.ListOf(elem), nil
	case KindMap:
		key, err := t.Params[0].Option(ks)
		if err != nil {
			return frame.Option{}, err
		}
		elem, err := t.Params[1].Option(ks)
		if err != nil {
			return frame.Option{}, err
		}
		return frame.MapOf(key, elem), nil
	case KindTuple:
		o := frame.Option{ID: frame.TypeTuple}
		for _, p := range t.Params {
			e, err := p.Option(ks)
			if err != nil {
				return frame.Option{}, err
			}
			o.Tuple = append(o.Tuple, e)
		}
		return o, nil
	case KindUDT:
		if ks == nil {
			return frame.Option{}, fmt.Errorf("user type %q needs a keyspace", t.Name)
		}
		ut, err := ks.UserType(t.Name)
		if err != nil {
			return frame.Option{}, err
		}
		udt := &frame.UDTOption{Keyspace: ks.Name, Name: ut.Name}
		for i, name := range ut.FieldNames {
			ft, err := ut.FieldTypes[i].Option(ks)
			if err != nil {
				return frame.Option{}, fmt.Errorf("user type %q field %q: %w", ut.Name, name, err)
			}
			udt.Fields = append(udt.Fields, frame.UDTField{Name: name, Type: ft})
		}
		return frame.Option{ID: frame.TypeUDT, UDT: udt}, nil
	}
	return frame.Option{}, fmt.Errorf("type %s has no wire representation", t)
}

// ParseType parses a type as written in system_schema, for example
// "frozen<map<text, list<int>>>".
func ParseType(s string) (DataType, error) {
	p := typeParser{s: s}
	t, err := p.parse()
	if err != nil {
		return DataType{}, fmt.Errorf("can't parse type %q: %w", s, err)
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return DataType{}, fmt.Errorf("can't parse type %q: unexpected %q at %d", s, p.s[p.pos:], p.pos)
	}
	return t, nil
}

type typeParser struct {
	s   string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *typeParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.pos++
	return nil
}

// ident reads a name, double quoted names keep their case.
func (p *typeParser) ident() (string, bool, error) {
	p.skipSpace()
	if p.peek() == '"' {
		var sb strings.Builder
		p.pos++
		for p.pos < len(p.s) {
			c := p.s[p.pos]
			p.pos++
			if c != '"' {
				sb.WriteByte(c)
				continue
			}
			if p.pos < len(p.s) && p.s[p.pos] == '"' {
				sb.WriteByte('"')
				p.pos++
				continue
			}
			return sb.String(), true, nil
		}
		return "", false, fmt.Errorf("unterminated quoted name")
	}

	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '<' || c == '>' || c == ',' || c == ' ' {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", false, fmt.Errorf("expected a type name at %d", start)
	}
	return p.s[start:p.pos], false, nil
}

func (p *typeParser) parse() (DataType, error) {
	if p.peek() == '\'' {
		end := strings.IndexByte(p.s[p.pos+1:], '\'')
		if end < 0 {
			return DataType{}, fmt.Errorf("unterminated custom type")
		}
		name := p.s[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return DataType{Kind: KindCustom, Name: name}, nil
	}

	name, quoted, err := p.ident()
	if err != nil {
		return DataType{}, err
	}
	if quoted {
		return DataType{Kind: KindUDT, Name: name}, nil
	}

	switch lower := strings.ToLower(name); lower {
	case "frozen":
		params, err := p.params(1)
		if err != nil {
			return DataType{}, err
		}
		t := params[0]
		t.Frozen = true
		return t, nil
	case "list", "set":
		params, err := p.params(1)
		if err != nil {
			return DataType{}, err
		}
		return DataType{Kind: TypeKind(lower), Params: params}, nil
	case "map":
		params, err := p.params(2)
		if err != nil {
			return DataType{}, err
		}
		return DataType{Kind: KindMap, Params: params}, nil
	case "tuple":
		params, err := p.params(-1)
		if err != nil {
			return DataType{}, err
		}
		return DataType{Kind: KindTuple, Params: params}, nil
	case "vector":
		return p.vector()
	default:
		if _, ok := frame.NativeTypeByName(lower); ok {
			if lower == "varchar" {
				lower = "text"
			}
			return DataType{Kind: KindNative, Name: lower}, nil
		}
		return DataType{Kind: KindUDT, Name: name}, nil
	}
}

// params reads n angle bracketed types, any positive number when n is -1.
func (p *typeParser) params(n int) ([]DataType, error) {
	if err := p.expect('<'); err != nil {
		return nil, err
	}
	var out []DataType
	for {
		t, err := p.parse()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
		break
	}
	if n > 0 && len(out) != n {
		return nil, fmt.Errorf("expected %d type parameters, got %d", n, len(out))
	}
	return out, nil
}

func (p *typeParser) vector() (DataType, error) {
	if err := p.expect('<'); err != nil {
		return DataType{}, err
	}
	elem, err := p.parse()
	if err != nil {
		return DataType{}, err
	}
	if err := p.expect(','); err != nil {
		return DataType{}, err
	}
	dim, _, err := p.ident()
	if err != nil {
		return DataType{}, err
	}
	n, err := strconv.Atoi(dim)
	if err != nil || n <= 0 {
		return DataType{}, fmt.Errorf("invalid vector dimension %q", dim)
	}
	if err := p.expect('>'); err != nil {
		return DataType{}, err
	}
	return DataType{Kind: KindVector, Params: []DataType{elem}, Dimension: n}, nil
}

// quoteIdent quotes names that aren't plain lower case identifiers.
func quoteIdent(name string) string {
	for i, c := range name {
		if c >= 'a' && c <= 'z' || c == '_' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}
