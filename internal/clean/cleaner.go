// Package clean turns raw source rows into validated records or rejections.
// Cleaning is pure: no I/O, and rejections are values, never panics.
package clean

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/source"
)

// Options holds the accepted formats and default values used by the rules.
type Options struct {
	RegistrationLayouts     []string
	ProductDateLayouts      []string
	OrderDateLayouts        []string
	DefaultRegistrationDate time.Time
	DefaultCountry          string
	DefaultCategory         string
	DefaultQuantity         int
}

// DefaultOptions returns the formats observed in the legacy data.
func DefaultOptions() Options {
	return Options{
		RegistrationLayouts:     []string{"2006-01-02 15:04", "2006-01-02 15:04:05", "2006-01-02"},
		ProductDateLayouts:      []string{"02/01/2006", "2006-01-02", "2006-01-02 15:04"},
		OrderDateLayouts:        []string{"2006-01-02", "01/02/2006 03:04 PM", "2006-01-02 15:04:05"},
		DefaultRegistrationDate: time.Unix(0, 0).UTC(),
		DefaultCountry:          "USA",
		DefaultCategory:         "Unknown",
		DefaultQuantity:         1,
	}
}

// Cleaner applies the per-entity field rules.
type Cleaner struct {
	opts Options
}

// New creates a cleaner. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Cleaner {
	def := DefaultOptions()
	if len(opts.RegistrationLayouts) == 0 {
		opts.RegistrationLayouts = def.RegistrationLayouts
	}
	if len(opts.ProductDateLayouts) == 0 {
		opts.ProductDateLayouts = def.ProductDateLayouts
	}
	if len(opts.OrderDateLayouts) == 0 {
		opts.OrderDateLayouts = def.OrderDateLayouts
	}
	if opts.DefaultCountry == "" {
		opts.DefaultCountry = def.DefaultCountry
	}
	if opts.DefaultCategory == "" {
		opts.DefaultCategory = def.DefaultCategory
	}
	if opts.DefaultQuantity <= 0 {
		opts.DefaultQuantity = def.DefaultQuantity
	}
	return &Cleaner{opts: opts}
}

// Clean validates one raw row for the given entity type.
func (c *Cleaner) Clean(raw model.RawRecord, entity model.EntityType) (model.Validated, *model.Rejection) {
	key, err := source.KeyOf(raw, entity.SourceTable().Key)
	if err != nil {
		return nil, model.Reject(entity, 0, model.StageClean, model.CodeMalformed, entity.SourceTable().Key, err.Error())
	}

	var (
		v     model.Validated
		field string
	)
	switch entity {
	case model.EntityUsers:
		v, field, err = c.cleanUser(key, raw)
	case model.EntityProducts:
		v, field, err = c.cleanProduct(key, raw)
	case model.EntityOrders:
		v, field, err = c.cleanOrder(key, raw)
	case model.EntityOrderLines:
		v, field, err = c.cleanOrderLine(key, raw)
	default:
		return nil, model.Reject(entity, key, model.StageClean, model.CodeOutOfDomain, "entity", "unknown entity type")
	}
	if err != nil {
		return nil, rejection(entity, key, field, err)
	}
	return v, nil
}

func rejection(entity model.EntityType, key int64, field string, err error) *model.Rejection {
	var re *RuleError
	if errors.As(err, &re) {
		return model.Reject(entity, key, model.StageClean, re.Code, field, re.Detail)
	}
	return model.Reject(entity, key, model.StageClean, model.CodeMalformed, field, err.Error())
}

// text renders a raw driver value as a trimmed string; ok is false for
// NULL and blank values.
func text(raw model.RawRecord, column string) (string, bool) {
	var s string
	switch v := raw[column].(type) {
	case nil:
		return "", false
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		s = v.Format("2006-01-02 15:04:05")
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func required(raw model.RawRecord, column string, rules ...Rule) (string, error) {
	s, ok := text(raw, column)
	if !ok {
		return "", &RuleError{Code: model.CodeMissingField}
	}
	return Apply(s, rules...)
}

func optional(raw model.RawRecord, column string, rules ...Rule) (*string, error) {
	s, ok := text(raw, column)
	if !ok {
		return nil, nil
	}
	out, err := Apply(s, rules...)
	if err != nil || out == "" {
		return nil, err
	}
	return &out, nil
}

func (c *Cleaner) cleanUser(key int64, raw model.RawRecord) (model.Validated, string, error) {
	r := &model.CleanUser{OldID: key}
	var err error

	if r.Email, err = required(raw, "email", Lower, Email, MaxLen(120)); err != nil {
		return nil, "email", err
	}
	username, err := optional(raw, "username", NFC, MaxLen(50))
	if err != nil {
		return nil, "username", err
	}
	if username != nil {
		r.Username = *username
	} else {
		r.Username = usernameFromEmail(r.Email)
		r.Defaulted = append(r.Defaulted, "username")
	}
	if r.FullName, err = optional(raw, "full_name", NFC, CollapseSpace, Truncate(100)); err != nil {
		return nil, "full_name", err
	}
	if r.PhoneNumber, err = optional(raw, "phone_number_str", Truncate(20)); err != nil {
		return nil, "phone_number_str", err
	}

	if s, ok := text(raw, "registration_date_str"); ok {
		if r.RegistrationDate, err = ParseDate(s, c.opts.RegistrationLayouts); err != nil {
			return nil, "registration_date_str", err
		}
	} else {
		r.RegistrationDate = c.opts.DefaultRegistrationDate
		r.Defaulted = append(r.Defaulted, "registration_date_str")
	}

	if s, ok := text(raw, "address_combined"); ok {
		if r.Address, err = ParseAddress(s, c.opts.DefaultCountry); err != nil {
			return nil, "address_combined", err
		}
	}
	return r, "", nil
}

// usernameFromEmail derives a username from the local part of a cleaned
// email address.
func usernameFromEmail(email string) string {
	local := email[:max(strings.LastIndexByte(email, '@'), 0)]
	out, _ := Truncate(50)(local)
	return out
}

func (c *Cleaner) cleanProduct(key int64, raw model.RawRecord) (model.Validated, string, error) {
	r := &model.CleanProduct{OldID: key}
	var err error

	if r.Name, err = required(raw, "product_name", NFC, CollapseSpace, MaxLen(200)); err != nil {
		return nil, "product_name", err
	}
	if r.Description, err = optional(raw, "description"); err != nil {
		return nil, "description", err
	}

	s, ok := text(raw, "price_str")
	if !ok {
		return nil, "price_str", &RuleError{Code: model.CodeMissingField}
	}
	if r.Price, err = ParsePrice(s); err != nil {
		return nil, "price_str", err
	}

	cat, err := optional(raw, "category_name_redundant", NFC, CollapseSpace, Capitalize, Truncate(100))
	if err != nil {
		return nil, "category_name_redundant", err
	}
	if cat != nil {
		r.CategoryName = *cat
	} else {
		r.CategoryName = c.opts.DefaultCategory
		r.Defaulted = append(r.Defaulted, "category_name_redundant")
	}

	// an unreadable creation date is dropped, not rejected
	if s, ok := text(raw, "created_at_str"); ok {
		if t, err := ParseDate(s, c.opts.ProductDateLayouts); err == nil {
			r.CreatedAt = &t
		} else {
			r.Defaulted = append(r.Defaulted, "created_at_str")
		}
	}
	return r, "", nil
}

func (c *Cleaner) cleanOrder(key int64, raw model.RawRecord) (model.Validated, string, error) {
	r := &model.CleanOrder{OldID: key}
	var err error

	if r.UserIdentifier, err = required(raw, "user_identifier_text"); err != nil {
		return nil, "user_identifier_text", err
	}
	// an order is only created for a product that can be resolved
	if r.ProductName, err = required(raw, "product_name_redundant", NFC, CollapseSpace); err != nil {
		return nil, "product_name_redundant", err
	}

	s, ok := text(raw, "order_date_str")
	if !ok {
		return nil, "order_date_str", &RuleError{Code: model.CodeMissingField}
	}
	if r.OrderDate, err = ParseDate(s, c.opts.OrderDateLayouts); err != nil {
		return nil, "order_date_str", err
	}

	status, _ := text(raw, "status_text")
	var known bool
	if r.Status, known = MapStatus(status); !known {
		r.Defaulted = append(r.Defaulted, "status_text")
	}
	return r, "", nil
}

func (c *Cleaner) cleanOrderLine(key int64, raw model.RawRecord) (model.Validated, string, error) {
	r := &model.CleanOrderLine{OldID: key}
	var err error

	if r.ProductName, err = required(raw, "product_name_redundant", NFC, CollapseSpace); err != nil {
		return nil, "product_name_redundant", err
	}

	if s, ok := text(raw, "quantity"); ok {
		if r.Quantity, err = ParseQuantity(s); err != nil {
			return nil, "quantity", err
		}
	} else {
		r.Quantity = c.opts.DefaultQuantity
		r.Defaulted = append(r.Defaulted, "quantity")
	}

	s, ok := text(raw, "unit_price_str_redundant")
	if !ok {
		return nil, "unit_price_str_redundant", &RuleError{Code: model.CodeMissingField}
	}
	if r.UnitPrice, err = ParsePrice(s); err != nil {
		return nil, "unit_price_str_redundant", err
	}

	// the stored total is only compared against, never trusted
	if s, ok := text(raw, "total_order_amount_str"); ok {
		if total, err := ParsePrice(s); err == nil {
			r.SourceTotal = &total
		}
	}
	return r, "", nil
}
