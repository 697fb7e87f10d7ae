package schema

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// EncodeYAML writes the schema as YAML.
func (s *Schema) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	return enc.Close()
}

// Summary returns a one-line count of what the schema declares.
func (s *Schema) Summary() string {
	var totalCols, totalFKs, totalIdx, totalChecks int
	for _, t := range s.Tables {
		totalCols += len(t.Columns)
		totalFKs += len(t.ForeignKeys)
		totalIdx += len(t.Indexes)
		totalChecks += len(t.Constraints)
	}
	return fmt.Sprintf("%d tables, %d columns, %d foreign keys, %d indexes, %d checks",
		len(s.Tables), totalCols, totalFKs, totalIdx, totalChecks)
}

// Describe lists each table with its references, parents first.
func (s *Schema) Describe() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "%s (%d columns)\n", t.Name, len(t.Columns))
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "  %s -> %s(%s)", strings.Join(fk.Columns, ", "),
				fk.ReferencedTable, strings.Join(fk.ReferencedColumns, ", "))
			if fk.OnDelete != "" {
				fmt.Fprintf(&b, " on delete %s", strings.ToLower(fk.OnDelete))
			}
			b.WriteString("\n")
		}
		for _, idx := range t.UniqueIndexes() {
			fmt.Fprintf(&b, "  unique (%s)\n", strings.Join(idx.Columns, ", "))
		}
	}
	return b.String()
}
