package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

// FKEdge represents a foreign key relationship in the graph.
type FKEdge struct {
	ChildTable    string
	ChildColumns  []string
	ParentTable   string
	ParentColumns []string
	FKName        string
}

// FKGraph represents the foreign key relationships between tables.
type FKGraph struct {
	tables map[string]*schema.Table
	edges  []FKEdge
	// adjacency: parent -> children
	children map[string][]FKEdge
	// adjacency: child -> parents
	parents map[string][]FKEdge
}

// NewFKGraph builds a FK relationship graph from a set of tables.
func NewFKGraph(tables []schema.Table) *FKGraph {
	g := &FKGraph{
		tables:   make(map[string]*schema.Table, len(tables)),
		children: make(map[string][]FKEdge),
		parents:  make(map[string][]FKEdge),
	}

	tableSet := make(map[string]bool, len(tables))
	for i := range tables {
		t := &tables[i]
		g.tables[t.Name] = t
		tableSet[t.Name] = true
	}

	for i := range tables {
		t := &tables[i]
		for _, fk := range t.ForeignKeys {
			if !tableSet[fk.ReferencedTable] {
				continue
			}
			edge := FKEdge{
				ChildTable:    t.Name,
				ChildColumns:  fk.Columns,
				ParentTable:   fk.ReferencedTable,
				ParentColumns: fk.ReferencedColumns,
				FKName:        fk.Name,
			}
			g.edges = append(g.edges, edge)
			g.children[fk.ReferencedTable] = append(g.children[fk.ReferencedTable], edge)
			g.parents[t.Name] = append(g.parents[t.Name], edge)
		}
	}

	return g
}

// MergeForeignKeys adds live foreign keys (child table -> keys) to the declared
// tables, skipping constraints already declared under the same name.
func MergeForeignKeys(declared []schema.Table, live map[string][]schema.ForeignKey) []schema.Table {
	out := make([]schema.Table, len(declared))
	copy(out, declared)
	for i := range out {
		extra := live[out[i].Name]
		if len(extra) == 0 {
			continue
		}
		known := make(map[string]bool, len(out[i].ForeignKeys))
		fks := make([]schema.ForeignKey, 0, len(out[i].ForeignKeys)+len(extra))
		for _, fk := range out[i].ForeignKeys {
			known[fk.Name] = true
			fks = append(fks, fk)
		}
		for _, fk := range extra {
			if !known[fk.Name] {
				fks = append(fks, fk)
			}
		}
		out[i].ForeignKeys = fks
	}
	return out
}

// Parents returns the distinct tables a table references, excluding itself.
func (g *FKGraph) Parents(table string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range g.parents[table] {
		if e.ParentTable == table || seen[e.ParentTable] {
			continue
		}
		seen[e.ParentTable] = true
		out = append(out, e.ParentTable)
	}
	sort.Strings(out)
	return out
}

// DetectCycles finds all cycles in the FK graph using DFS.
// Returns each cycle as a list of table names forming the cycle.
func (g *FKGraph) DetectCycles() [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	// child -> parent (FK direction)
	adj := make(map[string][]string)
	for _, e := range g.edges {
		if e.ChildTable == e.ParentTable {
			continue
		}
		adj[e.ChildTable] = append(adj[e.ChildTable], e.ParentTable)
	}

	var path []string
	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		inStack[node] = true
		path = append(path, node)

		for _, neighbor := range adj[node] {
			if !visited[neighbor] {
				dfs(neighbor)
			} else if inStack[neighbor] {
				start := -1
				for i, n := range path {
					if n == neighbor {
						start = i
						break
					}
				}
				if start >= 0 {
					cycle := make([]string, len(path)-start)
					copy(cycle, path[start:])
					cycles = append(cycles, cycle)
				}
			}
		}

		path = path[:len(path)-1]
		inStack[node] = false
	}

	names := make([]string, 0, len(g.tables))
	for name := range g.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !visited[name] {
			dfs(name)
		}
	}

	return cycles
}

// TopologicalSort returns every table with parents before children.
// Ties are broken by name so the order is deterministic.
func (g *FKGraph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.tables))
	for name := range g.tables {
		inDegree[name] = len(g.Parents(name))
	}

	var queue []string
	for t, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, t)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		var ready []string
		seen := map[string]bool{}
		for _, e := range g.children[node] {
			if e.ChildTable == node || seen[e.ChildTable] {
				continue
			}
			seen[e.ChildTable] = true
			inDegree[e.ChildTable]--
			if inDegree[e.ChildTable] == 0 {
				ready = append(ready, e.ChildTable)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(g.tables) {
		return sorted, &CycleError{Tables: remaining(g.tables, sorted)}
	}

	return sorted, nil
}

// SortSchema returns a copy of s with its tables ordered parents first, the
// order tables must be created and rows inserted in.
func SortSchema(s *schema.Schema) (*schema.Schema, error) {
	order, err := NewFKGraph(s.Tables).TopologicalSort()
	if err != nil {
		return nil, err
	}
	out := *s
	out.Tables = make([]schema.Table, 0, len(order))
	for _, name := range order {
		out.Tables = append(out.Tables, *s.Table(name))
	}
	return &out, nil
}

func remaining(all map[string]*schema.Table, done []string) []string {
	d := make(map[string]bool, len(done))
	for _, n := range done {
		d[n] = true
	}
	var out []string
	for n := range all {
		if !d[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// CycleError indicates a cycle was detected during topological sort.
type CycleError struct {
	Tables []string
}

func (e *CycleError) Error() string {
	return "cycle detected in foreign key graph: " + strings.Join(e.Tables, ", ")
}

// OrderError reports an entity order that loads a child before its parent.
type OrderError struct {
	Entity model.EntityType
	Table  string
	Parent string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("entity %s loads %s before its parent table %s", e.Entity, e.Table, e.Parent)
}

// ValidateOrder checks that every table written by a phase only references
// tables written by earlier phases, or earlier within the same phase.
// Referenced tables no phase writes are ignored.
func (g *FKGraph) ValidateOrder(order []model.EntityType) error {
	owner := make(map[string]bool)
	for _, e := range order {
		for _, k := range e.Kinds() {
			owner[string(k)] = true
		}
	}

	written := make(map[string]bool)
	for _, e := range order {
		for _, k := range e.Kinds() {
			table := string(k)
			for _, parent := range g.Parents(table) {
				if owner[parent] && !written[parent] {
					return &OrderError{Entity: e, Table: table, Parent: parent}
				}
			}
			written[table] = true
		}
	}
	return nil
}

// PhaseOrder derives a dependency-respecting order for the given entity
// types from the graph. Phases with no dependency between them keep their
// relative input order.
func (g *FKGraph) PhaseOrder(entities []model.EntityType) ([]model.EntityType, error) {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, &CycleError{Tables: cycles[0]}
	}

	ownerOf := make(map[string]model.EntityType)
	for _, e := range entities {
		for _, k := range e.Kinds() {
			ownerOf[string(k)] = e
		}
	}

	deps := make(map[model.EntityType]map[model.EntityType]bool)
	for _, e := range entities {
		deps[e] = map[model.EntityType]bool{}
		for _, k := range e.Kinds() {
			for _, parent := range g.Parents(string(k)) {
				if p, ok := ownerOf[parent]; ok && p != e {
					deps[e][p] = true
				}
			}
		}
	}

	var order []model.EntityType
	placed := make(map[model.EntityType]bool)
	for len(order) < len(entities) {
		progressed := false
		for _, e := range entities {
			if placed[e] {
				continue
			}
			ready := true
			for p := range deps[e] {
				if !placed[p] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, e)
				placed[e] = true
				progressed = true
				break
			}
		}
		if !progressed {
			var stuck []string
			for _, e := range entities {
				if !placed[e] {
					stuck = append(stuck, string(e))
				}
			}
			return order, &CycleError{Tables: stuck}
		}
	}
	return order, nil
}
