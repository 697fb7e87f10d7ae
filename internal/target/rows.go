package target

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/model"
)

// row is one table row in column order.
type row struct {
	table   string
	columns []string
	values  []any
}

// encoder adapts Go values to what a driver stores.
type encoder func(any) any

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// rowsOf flattens an entity into the rows it owns, parents first. Product
// rows leave category_id to the caller.
func rowsOf(e model.Entity) ([]row, error) {
	switch v := e.(type) {
	case *model.User:
		rows := []row{{
			table:   string(model.KindUser),
			columns: []string{"id", "username", "email", "full_name", "hashed_password", "is_active", "is_superuser", "registration_date", "phone_number"},
			values:  []any{v.ID, v.Username, v.Email, nullable(v.FullName), v.HashedPassword, v.IsActive, v.IsSuperuser, v.RegistrationDate, nullable(v.PhoneNumber)},
		}}
		if a := v.Address; a != nil {
			rows = append(rows, row{
				table:   string(model.KindAddress),
				columns: []string{"id", "user_id", "street", "city", "state", "zip_code", "country", "is_default_shipping", "is_default_billing"},
				values:  []any{a.ID, a.UserID, a.Street, a.City, nullable(a.State), a.ZipCode, a.Country, a.DefaultShipping, a.DefaultBilling},
			})
		}
		return rows, nil
	case *model.Product:
		return []row{{
			table:   string(model.KindProduct),
			columns: []string{"id", "name", "description", "price", "sku", "stock_quantity", "category_id", "created_at"},
			values:  []any{v.ID, v.Name, nullable(v.Description), v.Price, v.SKU, v.StockQuantity, v.CategoryID, nullable(v.CreatedAt)},
		}}, nil
	case *model.Order:
		return []row{{
			table:   string(model.KindOrder),
			columns: []string{"id", "user_id", "order_date", "status", "shipping_address_id", "billing_address_id"},
			values:  []any{v.ID, v.UserID, v.OrderDate, string(v.Status), v.ShippingAddressID, nullable(v.BillingAddressID)},
		}}, nil
	case *model.OrderItem:
		return []row{{
			table:   string(model.KindOrderItem),
			columns: []string{"id", "order_id", "product_id", "quantity", "unit_price_at_purchase", "subtotal"},
			values:  []any{v.ID, v.OrderID, v.ProductID, v.Quantity, v.UnitPrice, v.Subtotal},
		}}, nil
	}
	return nil, fmt.Errorf("unsupported entity %T", e)
}

// encodeSQL renders decimals as exact text so numeric columns never pass
// through floating point.
func encodeSQL(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return d.StringFixed(2)
	}
	return v
}

// encodeSQLite additionally stores timestamps as RFC 3339 text and booleans
// as integers.
func encodeSQLite(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case bool:
		if t {
			return 1
		}
		return 0
	}
	return encodeSQL(v)
}

func insertSQL(qualified string, r row, placeholder func(int) string) string {
	cols := make([]string, len(r.columns))
	ph := make([]string, len(r.columns))
	for i, c := range r.columns {
		cols[i] = quoteIdent(c)
		ph[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qualified, strings.Join(cols, ", "), strings.Join(ph, ", "))
}

func encodeAll(values []any, enc encoder) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = enc(v)
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
