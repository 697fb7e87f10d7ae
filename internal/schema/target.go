package schema

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }

func id() Column {
	return Column{Name: "id", DataType: "bigint", IsSequence: true}
}

func varchar(name string, n int, nullable bool) Column {
	return Column{Name: name, DataType: "varchar", MaxLength: intp(n), Nullable: nullable}
}

func numeric(name string, p, s int) Column {
	return Column{Name: name, DataType: "numeric", Precision: intp(p), Scale: intp(s)}
}

func pk(table string) *PrimaryKey {
	return &PrimaryKey{Name: table + "_pkey", Columns: []string{"id"}}
}

func fk(table, column, parent, onDelete string) ForeignKey {
	return ForeignKey{
		Name:              table + "_" + column + "_fkey",
		Columns:           []string{column},
		ReferencedTable:   parent,
		ReferencedColumns: []string{"id"},
		OnDelete:          onDelete,
	}
}

// Target returns the declared normalized target schema, parents first.
func Target() *Schema {
	return &Schema{
		Tables: []Table{
			{
				Name: "users",
				Columns: []Column{
					id(),
					varchar("username", 50, false),
					varchar("email", 120, false),
					varchar("full_name", 100, true),
					varchar("hashed_password", 255, false),
					{Name: "is_active", DataType: "boolean", DefaultValue: strp("true")},
					{Name: "is_superuser", DataType: "boolean", DefaultValue: strp("false")},
					{Name: "registration_date", DataType: "timestamp"},
					varchar("phone_number", 20, true),
				},
				PrimaryKey: pk("users"),
				Indexes: []Index{
					{Name: "users_username_key", Columns: []string{"username"}, Unique: true},
					{Name: "users_email_key", Columns: []string{"email"}, Unique: true},
				},
			},
			{
				Name: "addresses",
				Columns: []Column{
					id(),
					{Name: "user_id", DataType: "bigint"},
					varchar("street", 255, false),
					varchar("city", 100, false),
					varchar("state", 100, true),
					varchar("zip_code", 20, false),
					varchar("country", 100, false),
					{Name: "is_default_shipping", DataType: "boolean", DefaultValue: strp("false")},
					{Name: "is_default_billing", DataType: "boolean", DefaultValue: strp("false")},
				},
				PrimaryKey:  pk("addresses"),
				ForeignKeys: []ForeignKey{fk("addresses", "user_id", "users", "CASCADE")},
				Indexes:     []Index{{Name: "ix_addresses_user_id", Columns: []string{"user_id"}}},
			},
			{
				Name: "product_categories",
				Columns: []Column{
					id(),
					varchar("name", 100, false),
					{Name: "description", DataType: "text", Nullable: true},
				},
				PrimaryKey: pk("product_categories"),
				Indexes: []Index{
					{Name: "product_categories_name_key", Columns: []string{"name"}, Unique: true},
				},
			},
			{
				Name: "products",
				Columns: []Column{
					id(),
					varchar("name", 200, false),
					{Name: "description", DataType: "text", Nullable: true},
					numeric("price", 10, 2),
					varchar("sku", 50, false),
					{Name: "stock_quantity", DataType: "integer", DefaultValue: strp("0")},
					{Name: "category_id", DataType: "bigint", Nullable: true},
					{Name: "created_at", DataType: "timestamp", Nullable: true},
				},
				PrimaryKey:  pk("products"),
				ForeignKeys: []ForeignKey{fk("products", "category_id", "product_categories", "")},
				Indexes: []Index{
					{Name: "products_sku_key", Columns: []string{"sku"}, Unique: true},
					{Name: "ix_products_name", Columns: []string{"name"}},
				},
				Constraints: []Constraint{
					{Name: "products_price_check", Type: "check", Definition: "price >= 0"},
				},
			},
			{
				Name: "orders",
				Columns: []Column{
					id(),
					{Name: "user_id", DataType: "bigint"},
					{Name: "order_date", DataType: "timestamp"},
					varchar("status", 20, false),
					{Name: "shipping_address_id", DataType: "bigint"},
					{Name: "billing_address_id", DataType: "bigint", Nullable: true},
				},
				PrimaryKey: pk("orders"),
				ForeignKeys: []ForeignKey{
					fk("orders", "user_id", "users", ""),
					fk("orders", "shipping_address_id", "addresses", ""),
					fk("orders", "billing_address_id", "addresses", ""),
				},
				Indexes: []Index{{Name: "ix_orders_user_id", Columns: []string{"user_id"}}},
				Constraints: []Constraint{
					{Name: "orders_status_check", Type: "check",
						Definition: "status IN ('PENDING', 'SHIPPED', 'DELIVERED', 'CANCELLED', 'REFUNDED')"},
				},
			},
			{
				Name: "order_items",
				Columns: []Column{
					id(),
					{Name: "order_id", DataType: "bigint"},
					{Name: "product_id", DataType: "bigint"},
					{Name: "quantity", DataType: "integer"},
					numeric("unit_price_at_purchase", 10, 2),
					numeric("subtotal", 12, 2),
				},
				PrimaryKey: pk("order_items"),
				ForeignKeys: []ForeignKey{
					fk("order_items", "order_id", "orders", "CASCADE"),
					fk("order_items", "product_id", "products", ""),
				},
				Indexes: []Index{{Name: "ix_order_items_order_id", Columns: []string{"order_id"}}},
				Constraints: []Constraint{
					{Name: "order_items_quantity_check", Type: "check", Definition: "quantity > 0"},
				},
			},
		},
	}
}
