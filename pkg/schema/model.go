// Copyright (C) 2025 ScyllaDB

package schema

// Models are the serializable form of the schema tree, used for the
// snapshot digest and the describe output.

type KeyspaceModel struct {
	Name          string            `json:"name"`
	DurableWrites bool              `json:"durableWrites"`
	Replication   map[string]string `json:"replication"`
	Tables        []TableModel      `json:"tables,omitempty"`
	Views         []ViewModel       `json:"views,omitempty"`
	UserTypes     []UserTypeModel   `json:"userTypes,omitempty"`
	Functions     []FunctionModel   `json:"functions,omitempty"`
	Aggregates    []AggregateModel  `json:"aggregates,omitempty"`
}

type ColumnModel struct {
	Name            string          `json:"name"`
	Kind            ColumnKind      `json:"kind"`
	Type            string          `json:"type"`
	ClusteringOrder ClusteringOrder `json:"clusteringOrder,omitempty"`
	Position        int             `json:"position"`
}

type IndexModel struct {
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	Options map[string]string `json:"options,omitempty"`
}

type TableModel struct {
	Name    string        `json:"name"`
	ID      string        `json:"id,omitempty"`
	Options TableOptions  `json:"options"`
	Columns []ColumnModel `json:"columns"`
	Indexes []IndexModel  `json:"indexes,omitempty"`
}

type ViewModel struct {
	TableModel
	BaseTable         string `json:"baseTable"`
	IncludeAllColumns bool   `json:"includeAllColumns,omitempty"`
	WhereClause       string `json:"whereClause"`
}

type UserTypeModel struct {
	Name   string       `json:"name"`
	Fields []FieldModel `json:"fields"`
}

type FieldModel struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type FunctionModel struct {
	Signature         string   `json:"signature"`
	ArgumentNames     []string `json:"argumentNames,omitempty"`
	ReturnType        string   `json:"returnType"`
	Language          string   `json:"language"`
	Body              string   `json:"body"`
	CalledOnNullInput bool     `json:"calledOnNullInput"`
}

type AggregateModel struct {
	Signature  string `json:"signature"`
	ReturnType string `json:"returnType"`
	StateFunc  string `json:"stateFunc"`
	StateType  string `json:"stateType"`
	FinalFunc  string `json:"finalFunc,omitempty"`
	InitCond   string `json:"initCond,omitempty"`
}

// Model returns the serializable form of the keyspace.
func (k *Keyspace) Model() KeyspaceModel {
	return newKeyspaceModel(k)
}

func newKeyspaceModel(k *Keyspace) KeyspaceModel {
	m := KeyspaceModel{
		Name:          k.Name,
		DurableWrites: k.DurableWrites,
		Replication:   k.Replication,
	}
	for t := range k.Tables().All() {
		m.Tables = append(m.Tables, newTableModel(t))
	}
	for v := range k.Views().All() {
		m.Views = append(m.Views, ViewModel{
			TableModel:        newTableModel(v.Table),
			BaseTable:         v.BaseTable,
			IncludeAllColumns: v.IncludeAllColumns,
			WhereClause:       v.WhereClause,
		})
	}
	for u := range k.UserTypes().All() {
		um := UserTypeModel{Name: u.Name}
		for f := range u.Fields().All() {
			um.Fields = append(um.Fields, FieldModel{Name: f.Name, Type: f.Type.String()})
		}
		m.UserTypes = append(m.UserTypes, um)
	}
	for f := range k.Functions().All() {
		m.Functions = append(m.Functions, FunctionModel{
			Signature:         f.Signature(),
			ArgumentNames:     f.ArgumentNames,
			ReturnType:        f.ReturnType.String(),
			Language:          f.Language,
			Body:              f.Body,
			CalledOnNullInput: f.CalledOnNullInput,
		})
	}
	for a := range k.Aggregates().All() {
		m.Aggregates = append(m.Aggregates, AggregateModel{
			Signature:  a.Signature(),
			ReturnType: a.ReturnType.String(),
			StateFunc:  a.StateFunc,
			StateType:  a.StateType.String(),
			FinalFunc:  a.FinalFunc,
			InitCond:   a.InitCond,
		})
	}
	return m
}

func newTableModel(t *Table) TableModel {
	m := TableModel{
		Name:    t.Name,
		ID:      t.ID,
		Options: t.Options,
	}
	for c := range t.Columns().All() {
		m.Columns = append(m.Columns, ColumnModel{
			Name:            c.Name,
			Kind:            c.Kind,
			Type:            c.Type.String(),
			ClusteringOrder: c.ClusteringOrder,
			Position:        c.Position,
		})
	}
	for i := range t.Indexes().All() {
		m.Indexes = append(m.Indexes, IndexModel{Name: i.Name, Kind: i.Kind, Options: i.Options})
	}
	return m
}
