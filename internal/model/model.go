package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType is one pipeline phase. Phases run in dependency order.
type EntityType string

const (
	EntityUsers      EntityType = "users"
	EntityProducts   EntityType = "products"
	EntityOrders     EntityType = "orders"
	EntityOrderLines EntityType = "order_lines"
)

// DefaultOrder is the dependency order of the normalized schema.
var DefaultOrder = []EntityType{EntityUsers, EntityProducts, EntityOrders, EntityOrderLines}

// ParseEntityType validates an entity name from configuration.
func ParseEntityType(s string) (EntityType, error) {
	for _, e := range DefaultOrder {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Kind names a target table and the identity space of its surrogate keys.
type Kind string

const (
	KindUser      Kind = "users"
	KindAddress   Kind = "addresses"
	KindCategory  Kind = "product_categories"
	KindProduct   Kind = "products"
	KindOrder     Kind = "orders"
	KindOrderItem Kind = "order_items"
)

// Kinds returns the target tables an entity type writes, parents first.
func (e EntityType) Kinds() []Kind {
	switch e {
	case EntityUsers:
		return []Kind{KindUser, KindAddress}
	case EntityProducts:
		return []Kind{KindCategory, KindProduct}
	case EntityOrders:
		return []Kind{KindOrder}
	case EntityOrderLines:
		return []Kind{KindOrderItem}
	}
	return nil
}

// PrimaryKind is the kind whose identity is registered for the phase's old keys.
func (e EntityType) PrimaryKind() Kind {
	switch e {
	case EntityUsers:
		return KindUser
	case EntityProducts:
		return KindProduct
	case EntityOrders:
		return KindOrder
	case EntityOrderLines:
		return KindOrderItem
	}
	return ""
}

// SourceTable returns the source table the phase reads.
func (e EntityType) SourceTable() SourceTable {
	switch e {
	case EntityUsers:
		return OldUsers
	case EntityProducts:
		return OldProducts
	default:
		return OldOrders
	}
}

// SourceTable describes the expected shape of one dirty source table.
type SourceTable struct {
	Name    string
	Key     string
	Columns []string
}

var (
	OldUsers = SourceTable{
		Name: "old_users",
		Key:  "id",
		Columns: []string{"id", "username", "email", "full_name",
			"registration_date_str", "address_combined", "phone_number_str"},
	}
	OldProducts = SourceTable{
		Name: "old_products",
		Key:  "id",
		Columns: []string{"id", "product_name", "description", "price_str",
			"category_name_redundant", "created_at_str"},
	}
	OldOrders = SourceTable{
		Name: "old_orders",
		Key:  "id",
		Columns: []string{"id", "user_identifier_text", "order_date_str", "status_text",
			"product_name_redundant", "quantity", "unit_price_str_redundant", "total_order_amount_str"},
	}
)

// RawRecord is one source row as returned by the driver.
type RawRecord map[string]any

// OrderStatus is the normalized order lifecycle state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusShipped   OrderStatus = "SHIPPED"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRefunded  OrderStatus = "REFUNDED"
)

// Address is a structured postal address split out of a combined field.
type Address struct {
	ID              int64
	UserID          int64
	Street          string
	City            string
	State           *string
	ZipCode         string
	Country         string
	DefaultShipping bool
	DefaultBilling  bool
}

// User is the normalized user entity, loaded together with its address.
type User struct {
	ID               int64
	OldID            int64
	Username         string
	Email            string
	FullName         *string
	HashedPassword   string
	IsActive         bool
	IsSuperuser      bool
	RegistrationDate time.Time
	PhoneNumber      *string
	Address          *Address
}

// Product is the normalized product entity. CategoryID is resolved by the store.
type Product struct {
	ID            int64
	OldID         int64
	Name          string
	Description   *string
	Price         decimal.Decimal
	SKU           string
	StockQuantity int
	CategoryName  string
	CategoryID    int64
	CreatedAt     *time.Time
}

// Order is the normalized order header.
type Order struct {
	ID                int64
	OldID             int64
	UserID            int64
	OrderDate         time.Time
	Status            OrderStatus
	ShippingAddressID int64
	BillingAddressID  *int64
}

// OrderItem is one order line with its recomputed subtotal.
type OrderItem struct {
	ID        int64
	OldID     int64
	OrderID   int64
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal

	// SourceTotal is the legacy stored amount, kept only for adjustment notes.
	SourceTotal *decimal.Decimal
}

// Adjusted reports whether the recomputed subtotal differs from the stored one.
func (i *OrderItem) Adjusted() bool {
	return i.SourceTotal != nil && !i.SourceTotal.Equal(i.Subtotal)
}

// Entity is a normalized record ready for the target store.
type Entity interface {
	EntityKind() Kind
	SourceKey() int64
}

func (u *User) EntityKind() Kind      { return KindUser }
func (u *User) SourceKey() int64      { return u.OldID }
func (p *Product) EntityKind() Kind   { return KindProduct }
func (p *Product) SourceKey() int64   { return p.OldID }
func (o *Order) EntityKind() Kind     { return KindOrder }
func (o *Order) SourceKey() int64     { return o.OldID }
func (i *OrderItem) EntityKind() Kind { return KindOrderItem }
func (i *OrderItem) SourceKey() int64 { return i.OldID }
