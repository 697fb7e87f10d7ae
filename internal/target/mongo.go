package target

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/schema"
)

// Topology describes a MongoDB deployment.
type Topology struct {
	Type          string // standalone, replica_set, sharded, atlas
	IsAtlas       bool
	ServerVersion string
}

// Transactional reports whether the deployment supports multi-document
// transactions.
func (t *Topology) Transactional() bool {
	return t.Type != "standalone"
}

// MongoStore implements Store using the MongoDB driver. Each table is a
// collection and the surrogate key is the document _id.
//
// MongoDB has no foreign keys or savepoints, so a batch is staged in memory:
// Insert checks keys, unique indexes and parents against the database and the
// staged rows, and Commit writes everything, inside a transaction when the
// deployment supports one.
type MongoStore struct {
	connStr  string
	database string
	client   *mongo.Client
	topology *Topology
}

// NewMongoStore creates a MongoDB target.
func NewMongoStore(connStr, database string) *MongoStore {
	return &MongoStore{connStr: connStr, database: database}
}

func (m *MongoStore) Connect(ctx context.Context) error {
	client, err := mongo.Connect(options.Client().ApplyURI(m.connStr))
	if err != nil {
		return fmt.Errorf("%w: connecting to MongoDB: %w", ErrUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return fmt.Errorf("%w: pinging MongoDB: %w", ErrUnavailable, err)
	}
	m.client = client

	topo, err := m.DetectTopology(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.topology = topo
	return nil
}

// DetectTopology determines the MongoDB deployment topology.
func (m *MongoStore) DetectTopology(ctx context.Context) (*Topology, error) {
	info := &Topology{IsAtlas: strings.Contains(m.connStr, "mongodb.net")}

	var hello bson.M
	if err := m.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return nil, fmt.Errorf("running hello command: %w", err)
	}
	switch {
	case hello["msg"] == "isdbgrid":
		info.Type = "sharded"
	case hello["setName"] != nil:
		info.Type = "replica_set"
	default:
		info.Type = "standalone"
	}
	if info.IsAtlas {
		info.Type = "atlas"
	}

	var buildInfo bson.M
	if err := m.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&buildInfo); err == nil {
		if v, ok := buildInfo["version"]; ok {
			info.ServerVersion = fmt.Sprintf("%v", v)
		}
	}
	return info, nil
}

// Topology returns the deployment detected by Connect, or nil before it.
func (m *MongoStore) Topology() *Topology { return m.topology }

func (m *MongoStore) coll(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

func (m *MongoStore) Begin(_ context.Context) (Tx, error) {
	return &mongoTx{
		store:    m,
		staged:   make(map[string][]bson.D),
		ids:      make(map[string]map[int64]bool),
		uniques:  make(map[string]bool),
		catNames: make(map[string]int64),
	}, nil
}

func (m *MongoStore) Clear(ctx context.Context, entity model.EntityType) error {
	for _, k := range ClearOrder(entity) {
		if _, err := m.coll(string(k)).DeleteMany(ctx, bson.D{}); err != nil {
			return fmt.Errorf("clearing %s: %w", k, classifyMongo(err))
		}
	}
	return nil
}

func (m *MongoStore) MaxKey(ctx context.Context, kind model.Kind) (int64, error) {
	return m.maxID(ctx, string(kind))
}

func (m *MongoStore) maxID(ctx context.Context, collection string) (int64, error) {
	var doc struct {
		ID int64 `bson:"_id"`
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.D{{Key: "_id", Value: 1}})
	err := m.coll(collection).FindOne(ctx, bson.D{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading max key of %s: %w", collection, classifyMongo(err))
	}
	return doc.ID, nil
}

// EnsureSchema creates the collections and the unique indexes of the target
// schema.
func (m *MongoStore) EnsureSchema(ctx context.Context) error {
	target, err := loadOrder()
	if err != nil {
		return err
	}
	db := m.client.Database(m.database)
	for _, t := range target.Tables {
		if err := db.CreateCollection(ctx, t.Name); err != nil {
			if !strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("creating collection %s: %w", t.Name, classifyMongo(err))
			}
		}
		for _, idx := range t.UniqueIndexes() {
			keys := bson.D{}
			for _, c := range idx.Columns {
				keys = append(keys, bson.E{Key: c, Value: 1})
			}
			im := mongo.IndexModel{Keys: keys, Options: options.Index().SetName(idx.Name).SetUnique(true)}
			if _, err := db.Collection(t.Name).Indexes().CreateOne(ctx, im); err != nil {
				return fmt.Errorf("creating index %s: %w", idx.Name, classifyMongo(err))
			}
		}
	}
	return nil
}

// ForeignKeys returns nothing: MongoDB does not enforce references.
func (m *MongoStore) ForeignKeys(_ context.Context) (map[string][]schema.ForeignKey, error) {
	return nil, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) Count(ctx context.Context, kind model.Kind) (int64, error) {
	n, err := m.coll(string(kind)).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("counting documents in %s: %w", kind, classifyMongo(err))
	}
	return n, nil
}

// Orphans counts documents whose reference matches no parent _id.
func (m *MongoStore) Orphans(ctx context.Context, table string, fk schema.ForeignKey) (int64, error) {
	if len(fk.Columns) != 1 {
		return 0, fmt.Errorf("orphan check on %s: composite references are not supported", fk.Name)
	}
	col := fk.Columns[0]
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: bson.D{{Key: col, Value: bson.D{{Key: "$ne", Value: nil}}}}}},
		bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: fk.ReferencedTable},
			{Key: "localField", Value: col},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "parent"},
		}}},
		bson.D{{Key: "$match", Value: bson.D{{Key: "parent", Value: bson.D{{Key: "$size", Value: 0}}}}}},
		bson.D{{Key: "$count", Value: "n"}},
	}
	cursor, err := m.coll(table).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("checking orphans of %s: %w", fk.Name, classifyMongo(err))
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		var result struct {
			N int64 `bson:"n"`
		}
		if err := cursor.Decode(&result); err != nil {
			return 0, fmt.Errorf("decoding orphan count: %w", err)
		}
		return result.N, nil
	}
	return 0, cursor.Err()
}

func (m *MongoStore) LineTotals(ctx context.Context, fn func(LineTotal) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := m.coll(string(model.KindOrderItem)).Find(ctx, bson.D{}, opts)
	if err != nil {
		return classifyMongo(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			ID        int64           `bson:"_id"`
			Quantity  int             `bson:"quantity"`
			UnitPrice bson.Decimal128 `bson:"unit_price_at_purchase"`
			Subtotal  bson.Decimal128 `bson:"subtotal"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decoding order item: %w", err)
		}
		lt := LineTotal{ID: doc.ID, Quantity: doc.Quantity}
		if lt.UnitPrice, err = decimal.NewFromString(doc.UnitPrice.String()); err != nil {
			return err
		}
		if lt.Subtotal, err = decimal.NewFromString(doc.Subtotal.String()); err != nil {
			return err
		}
		if err := fn(lt); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// mongoTx stages one batch until Commit.
type mongoTx struct {
	store    *MongoStore
	staged   map[string][]bson.D
	ids      map[string]map[int64]bool
	uniques  map[string]bool
	catNames map[string]int64
	catMax   int64
	done     bool
}

func (t *mongoTx) Insert(ctx context.Context, e model.Entity) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	var newCategory bson.D
	if p, ok := e.(*model.Product); ok {
		id, doc, err := t.category(ctx, p.CategoryName)
		if err != nil {
			return err
		}
		p.CategoryID = id
		newCategory = doc
	}
	rows, err := rowsOf(e)
	if err != nil {
		return err
	}

	// check everything before staging anything so a failed row leaves no trace
	pending := map[string]map[int64]bool{}
	for _, r := range rows {
		if err := t.check(ctx, r, pending); err != nil {
			return err
		}
		id := r.values[0].(int64)
		if pending[r.table] == nil {
			pending[r.table] = map[int64]bool{}
		}
		pending[r.table][id] = true
	}

	if newCategory != nil {
		t.stage(string(model.KindCategory), newCategory, nil)
	}
	for _, r := range rows {
		t.stage(r.table, mongoDoc(r), uniqueKeys(r))
	}
	return nil
}

// category finds or allocates the id of a category name. A new category's
// document is returned for staging.
func (t *mongoTx) category(ctx context.Context, name string) (int64, bson.D, error) {
	if id, ok := t.catNames[name]; ok {
		return id, nil, nil
	}
	coll := string(model.KindCategory)
	var doc struct {
		ID int64 `bson:"_id"`
	}
	err := t.store.coll(coll).FindOne(ctx, bson.D{{Key: "name", Value: name}}).Decode(&doc)
	if err == nil {
		t.catNames[name] = doc.ID
		return doc.ID, nil, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil, classifyMongo(err)
	}
	if t.catMax == 0 {
		if t.catMax, err = t.store.maxID(ctx, coll); err != nil {
			return 0, nil, err
		}
	}
	t.catMax++
	t.catNames[name] = t.catMax
	return t.catMax, bson.D{{Key: "_id", Value: t.catMax}, {Key: "name", Value: name}}, nil
}

func (t *mongoTx) check(ctx context.Context, r row, pending map[string]map[int64]bool) error {
	tbl := schema.Target().Table(r.table)
	id := r.values[0].(int64)
	if t.ids[r.table][id] || pending[r.table][id] {
		return &ConstraintError{Constraint: r.table + "_pkey", Unique: true, Err: errors.New("duplicate key")}
	}
	if n, err := t.store.coll(r.table).CountDocuments(ctx, bson.D{{Key: "_id", Value: id}}, options.Count().SetLimit(1)); err != nil {
		return classifyMongo(err)
	} else if n > 0 {
		return &ConstraintError{Constraint: r.table + "_pkey", Unique: true, Err: errors.New("duplicate key")}
	}

	values := columnValues(r)
	for _, idx := range tbl.UniqueIndexes() {
		key := uniqueKey(r.table, idx, values)
		if t.uniques[key] {
			return &ConstraintError{Constraint: idx.Name, Unique: true, Err: errors.New("duplicate key in batch")}
		}
		filter := bson.D{}
		for _, c := range idx.Columns {
			filter = append(filter, bson.E{Key: c, Value: encodeMongo(values[c])})
		}
		n, err := t.store.coll(r.table).CountDocuments(ctx, filter, options.Count().SetLimit(1))
		if err != nil {
			return classifyMongo(err)
		}
		if n > 0 {
			return &ConstraintError{Constraint: idx.Name, Unique: true, Err: errors.New("duplicate key")}
		}
	}

	for _, fk := range tbl.ForeignKeys {
		ref, ok := values[fk.Columns[0]].(int64)
		if !ok {
			continue // NULL reference
		}
		if t.ids[fk.ReferencedTable][ref] || pending[fk.ReferencedTable][ref] {
			continue
		}
		if fk.ReferencedTable == string(model.KindCategory) && t.isStagedCategory(ref) {
			continue
		}
		n, err := t.store.coll(fk.ReferencedTable).CountDocuments(ctx, bson.D{{Key: "_id", Value: ref}}, options.Count().SetLimit(1))
		if err != nil {
			return classifyMongo(err)
		}
		if n == 0 {
			return &ConstraintError{Constraint: fk.Name, Err: fmt.Errorf("no %s with id %d", fk.ReferencedTable, ref)}
		}
	}
	return nil
}

func (t *mongoTx) isStagedCategory(id int64) bool {
	for _, v := range t.catNames {
		if v == id {
			return true
		}
	}
	return false
}

func (t *mongoTx) stage(table string, doc bson.D, keys []string) {
	t.staged[table] = append(t.staged[table], doc)
	if t.ids[table] == nil {
		t.ids[table] = map[int64]bool{}
	}
	t.ids[table][doc[0].Value.(int64)] = true
	for _, k := range keys {
		t.uniques[k] = true
	}
}

func (t *mongoTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true

	target, err := loadOrder()
	if err != nil {
		return err
	}
	write := func(ctx context.Context) (any, error) {
		for _, tbl := range target.Tables {
			docs := t.staged[tbl.Name]
			if len(docs) == 0 {
				continue
			}
			batch := make([]any, len(docs))
			for i, d := range docs {
				batch[i] = d
			}
			if _, err := t.store.coll(tbl.Name).InsertMany(ctx, batch); err != nil {
				return nil, fmt.Errorf("inserting into %s: %w", tbl.Name, classifyMongo(err))
			}
		}
		return nil, nil
	}

	if t.store.topology == nil || !t.store.topology.Transactional() {
		_, err := write(ctx)
		return err
	}
	sess, err := t.store.client.StartSession()
	if err != nil {
		return classifyMongo(err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, write)
	return err
}

func (t *mongoTx) Rollback(_ context.Context) error {
	t.done = true
	t.staged = nil
	return nil
}

func columnValues(r row) map[string]any {
	out := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		out[c] = r.values[i]
	}
	return out
}

func uniqueKey(table string, idx schema.Index, values map[string]any) string {
	parts := []string{table, idx.Name}
	for _, c := range idx.Columns {
		parts = append(parts, fmt.Sprint(values[c]))
	}
	return strings.Join(parts, "\x00")
}

func uniqueKeys(r row) []string {
	tbl := schema.Target().Table(r.table)
	values := columnValues(r)
	var keys []string
	for _, idx := range tbl.UniqueIndexes() {
		keys = append(keys, uniqueKey(r.table, idx, values))
	}
	return keys
}

// mongoDoc renders a row as a document keyed by _id.
func mongoDoc(r row) bson.D {
	doc := make(bson.D, 0, len(r.columns))
	for i, c := range r.columns {
		if c == "id" {
			c = "_id"
		}
		doc = append(doc, bson.E{Key: c, Value: encodeMongo(r.values[i])})
	}
	return doc
}

// encodeMongo stores decimals as Decimal128 and times in UTC.
func encodeMongo(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		d, err := bson.ParseDecimal128(t.StringFixed(2))
		if err != nil {
			return t.StringFixed(2)
		}
		return d
	case time.Time:
		return t.UTC()
	}
	return v
}

var dupIndexRe = regexp.MustCompile(`index: (\S+)`)

// classifyMongo maps driver errors onto the package's error kinds.
func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		name := ""
		if m := dupIndexRe.FindStringSubmatch(err.Error()); m != nil {
			name = m[1]
		}
		return &ConstraintError{Constraint: name, Unique: true, Err: err}
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
