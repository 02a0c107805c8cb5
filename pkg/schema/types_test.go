// Copyright (C) 2025 ScyllaDB

package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
)

func TestParseType(t *testing.T) {
	t.Parallel()

	native := func(name string) DataType {
		return DataType{Kind: KindNative, Name: name}
	}

	tt := []struct {
		name           string
		in             string
		expected       DataType
		expectedString string
		expectedErr    bool
	}{
		{
			name:           "native",
			in:             "int",
			expected:       native("int"),
			expectedString: "int",
		},
		{
			name:           "varchar is text",
			in:             "varchar",
			expected:       native("text"),
			expectedString: "text",
		},
		{
			name: "frozen nested collections",
			in:   "frozen<map<text, list<int>>>",
			expected: DataType{
				Kind:   KindMap,
				Frozen: true,
				Params: []DataType{
					native("text"),
					{Kind: KindList, Params: []DataType{native("int")}},
				},
			},
			expectedString: "frozen<map<text, list<int>>>",
		},
		{
			name: "tuple",
			in:   "tuple<int,text ,  uuid>",
			expected: DataType{
				Kind:   KindTuple,
				Params: []DataType{native("int"), native("text"), native("uuid")},
			},
			expectedString: "tuple<int, text, uuid>",
		},
		{
			name:           "user type",
			in:             "frozen<address>",
			expected:       DataType{Kind: KindUDT, Name: "address", Frozen: true},
			expectedString: "frozen<address>",
		},
		{
			name:           "quoted user type",
			in:             `"Add""ress"`,
			expected:       DataType{Kind: KindUDT, Name: `Add"ress`},
			expectedString: `"Add""ress"`,
		},
		{
			name:           "custom",
			in:             "'org.apache.cassandra.db.marshal.DynamicCompositeType'",
			expected:       DataType{Kind: KindCustom, Name: "org.apache.cassandra.db.marshal.DynamicCompositeType"},
			expectedString: "'org.apache.cassandra.db.marshal.DynamicCompositeType'",
		},
		{
			name:           "vector",
			in:             "vector<float, 3>",
			expected:       DataType{Kind: KindVector, Params: []DataType{native("float")}, Dimension: 3},
			expectedString: "vector<float, 3>",
		},
		{
			name:        "map with one parameter",
			in:          "map<int>",
			expectedErr: true,
		},
		{
			name:        "unterminated",
			in:          "list<int",
			expectedErr: true,
		},
		{
			name:        "trailing garbage",
			in:          "int>",
			expectedErr: true,
		},
		{
			name:        "zero vector dimension",
			in:          "vector<float, 0>",
			expectedErr: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseType(tc.in)
			if tc.expectedErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("expected and got types differ:\n%s", diff)
			}
			if s := got.String(); s != tc.expectedString {
				t.Errorf("expected %q, got %q", tc.expectedString, s)
			}
		})
	}
}

func TestDataTypeOption(t *testing.T) {
	t.Parallel()

	ks := newKeyspace("ks")
	ks.types["address"] = &UserType{
		Keyspace:   "ks",
		Name:       "address",
		FieldNames: []string{"street", "zip"},
		FieldTypes: []DataType{{Kind: KindNative, Name: "text"}, {Kind: KindNative, Name: "int"}},
	}

	tt := []struct {
		name        string
		in          string
		expected    frame.Option
		expectedErr bool
	}{
		{
			name:     "set of bigint",
			in:       "set<bigint>",
			expected: frame.SetOf(frame.NativeOption(frame.TypeBigInt)),
		},
		{
			name: "user type",
			in:   "frozen<address>",
			expected: frame.Option{ID: frame.TypeUDT, UDT: &frame.UDTOption{
				Keyspace: "ks",
				Name:     "address",
				Fields: []frame.UDTField{
					{Name: "street", Type: frame.NativeOption(frame.TypeVarchar)},
					{Name: "zip", Type: frame.NativeOption(frame.TypeInt)},
				},
			}},
		},
		{
			name:        "unknown user type",
			in:          "missing",
			expectedErr: true,
		},
		{
			name:        "vector",
			in:          "vector<float, 2>",
			expectedErr: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dt, err := ParseType(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			got, err := dt.Option(ks)
			if tc.expectedErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("expected and got options differ:\n%s", diff)
			}
		})
	}
}

func TestIterator(t *testing.T) {
	t.Parallel()

	it := sortedIterator(map[string]int{"b": 2, "a": 1, "c": 3})
	first, ok := it.Next()
	if !ok || first != 1 {
		t.Fatalf("expected 1, got %d", first)
	}
	if diff := cmp.Diff([]int{2, 3}, it.Collect()); diff != "" {
		t.Errorf("expected and got items differ:\n%s", diff)
	}
	if v, ok := it.Next(); ok {
		t.Errorf("expected exhausted iterator, got %d", v)
	}
	if got := it.Collect(); len(got) != 0 {
		t.Errorf("expected no items, got %v", got)
	}
}
