package schema

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavor DDL is rendered for.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DDL renders idempotent CREATE statements for every table and index in the
// order of s.Tables, so parents must precede their children. schemaName
// qualifies Postgres tables when set.
func (s *Schema) DDL(d Dialect, schemaName string) ([]string, error) {
	if d != Postgres && d != SQLite {
		return nil, fmt.Errorf("unsupported DDL dialect %q", d)
	}
	qualify := func(name string) string {
		if d == Postgres && schemaName != "" {
			return QuoteIdent(schemaName) + "." + QuoteIdent(name)
		}
		return QuoteIdent(name)
	}

	var stmts []string
	if d == Postgres && schemaName != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+QuoteIdent(schemaName))
	}
	for _, t := range s.Tables {
		var defs []string
		for _, c := range t.Columns {
			col, err := columnDef(d, t, c)
			if err != nil {
				return nil, err
			}
			defs = append(defs, col)
		}
		for _, fk := range t.ForeignKeys {
			def := fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
				QuoteIdent(fk.Name), quoteList(fk.Columns), qualify(fk.ReferencedTable), quoteList(fk.ReferencedColumns))
			if fk.OnDelete != "" {
				def += " ON DELETE " + fk.OnDelete
			}
			defs = append(defs, def)
		}
		for _, c := range t.Constraints {
			if c.Type == "check" {
				defs = append(defs, fmt.Sprintf("CONSTRAINT %s CHECK (%s)", QuoteIdent(c.Name), c.Definition))
			}
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
			qualify(t.Name), strings.Join(defs, ",\n  ")))

		for _, idx := range t.Indexes {
			kw := "INDEX"
			if idx.Unique {
				kw = "UNIQUE INDEX"
			}
			stmts = append(stmts, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
				kw, QuoteIdent(idx.Name), qualify(t.Name), quoteList(idx.Columns)))
		}
	}
	return stmts, nil
}

func columnDef(d Dialect, t Table, c Column) (string, error) {
	isPK := t.PrimaryKey != nil && len(t.PrimaryKey.Columns) == 1 && t.PrimaryKey.Columns[0] == c.Name
	typ, err := sqlType(d, c)
	if err != nil {
		return "", fmt.Errorf("table %s: %w", t.Name, err)
	}

	var b strings.Builder
	b.WriteString(QuoteIdent(c.Name))
	b.WriteString(" ")
	switch {
	case isPK && d == SQLite:
		// only the exact INTEGER PRIMARY KEY form aliases the rowid
		b.WriteString("INTEGER PRIMARY KEY")
		return b.String(), nil
	case isPK && c.IsSequence:
		b.WriteString(typ + " GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY")
		return b.String(), nil
	case isPK:
		b.WriteString(typ + " PRIMARY KEY")
		return b.String(), nil
	}
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.DefaultValue != nil {
		b.WriteString(" DEFAULT " + defaultLiteral(d, c))
	}
	return b.String(), nil
}

func sqlType(d Dialect, c Column) (string, error) {
	switch c.DataType {
	case "bigint":
		if d == SQLite {
			return "INTEGER", nil
		}
		return "BIGINT", nil
	case "integer":
		return "INTEGER", nil
	case "varchar":
		if d == SQLite || c.MaxLength == nil {
			return "TEXT", nil
		}
		return fmt.Sprintf("VARCHAR(%d)", *c.MaxLength), nil
	case "text":
		return "TEXT", nil
	case "boolean":
		if d == SQLite {
			return "INTEGER", nil
		}
		return "BOOLEAN", nil
	case "timestamp":
		if d == SQLite {
			return "TEXT", nil
		}
		return "TIMESTAMPTZ", nil
	case "numeric":
		// SQLite NUMERIC affinity would coerce to REAL; keep the exact text.
		if d == SQLite {
			return "TEXT", nil
		}
		if c.Precision != nil && c.Scale != nil {
			return fmt.Sprintf("NUMERIC(%d,%d)", *c.Precision, *c.Scale), nil
		}
		return "NUMERIC", nil
	}
	return "", fmt.Errorf("column %s: unknown data type %q", c.Name, c.DataType)
}

func defaultLiteral(d Dialect, c Column) string {
	v := *c.DefaultValue
	if c.DataType == "boolean" {
		if d == SQLite {
			if v == "true" {
				return "1"
			}
			return "0"
		}
		return strings.ToUpper(v)
	}
	return v
}

// QuoteIdent quotes an identifier for SQL.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
