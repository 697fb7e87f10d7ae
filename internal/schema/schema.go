package schema

// Schema describes a set of tables in one database.
type Schema struct {
	DatabaseType string  `yaml:"database_type"` // postgres, sqlite or mongodb
	SchemaName   string  `yaml:"schema_name,omitempty"`
	Tables       []Table `yaml:"tables"`
}

// Table represents a database table.
type Table struct {
	Name        string       `yaml:"name"`
	Columns     []Column     `yaml:"columns"`
	PrimaryKey  *PrimaryKey  `yaml:"primary_key,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
	Indexes     []Index      `yaml:"indexes,omitempty"`
	Constraints []Constraint `yaml:"constraints,omitempty"`
	RowCount    int64        `yaml:"row_count,omitempty"`
}

// Column represents a table column. DataType is a logical type:
// bigint, integer, varchar, text, boolean, timestamp or numeric.
type Column struct {
	Name         string  `yaml:"name"`
	DataType     string  `yaml:"data_type"`
	Nullable     bool    `yaml:"nullable"`
	DefaultValue *string `yaml:"default_value,omitempty"`
	MaxLength    *int    `yaml:"max_length,omitempty"`
	Precision    *int    `yaml:"precision,omitempty"`
	Scale        *int    `yaml:"scale,omitempty"`
	IsSequence   bool    `yaml:"is_sequence,omitempty"`
}

// PrimaryKey represents a table's primary key.
type PrimaryKey struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

// ForeignKey represents a foreign key relationship.
type ForeignKey struct {
	Name              string   `yaml:"name"`
	Columns           []string `yaml:"columns"`
	ReferencedTable   string   `yaml:"referenced_table"`
	ReferencedColumns []string `yaml:"referenced_columns"`
	OnDelete          string   `yaml:"on_delete,omitempty"` // CASCADE, SET NULL, or empty
}

// Index represents a database index.
type Index struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
}

// Constraint represents a check constraint.
type Constraint struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"` // check
	Definition string `yaml:"definition"`
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// UniqueIndexes returns the table's unique indexes.
func (t *Table) UniqueIndexes() []Index {
	var out []Index
	for _, idx := range t.Indexes {
		if idx.Unique {
			out = append(out, idx)
		}
	}
	return out
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}
