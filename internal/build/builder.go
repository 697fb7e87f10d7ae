// Package build composes validated records into normalized entities,
// resolving foreign keys through the identity mapper.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dnl0037/db-migrations/internal/identity"
	"github.com/dnl0037/db-migrations/internal/model"
)

// Options controls derived values on built entities.
type Options struct {
	// PasswordPrefix is prepended to the username to form a placeholder hash
	// that no login can match.
	PasswordPrefix string
}

// Builder turns validated records into entities for one run.
type Builder struct {
	ids    *identity.Mapper
	opts   Options
	logger *slog.Logger
}

// New creates a builder over the run's identity mapper.
func New(ids *identity.Mapper, opts Options, logger *slog.Logger) *Builder {
	if opts.PasswordPrefix == "" {
		opts.PasswordPrefix = "!migrated:"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{ids: ids, opts: opts, logger: logger}
}

// Build produces the target entity for a validated record and registers
// its identity. Registered identities stay unresolvable until Commit.
func (b *Builder) Build(_ context.Context, v model.Validated) (model.Entity, *model.Rejection) {
	switch r := v.(type) {
	case *model.CleanUser:
		return b.buildUser(r), nil
	case *model.CleanProduct:
		return b.buildProduct(r), nil
	case *model.CleanOrder:
		return b.buildOrder(r)
	case *model.CleanOrderLine:
		return b.buildOrderLine(r)
	}
	return nil, model.Reject(v.Entity(), v.SourceKey(), model.StageBuild, model.CodeOutOfDomain, "entity",
		fmt.Sprintf("no builder for %T", v))
}

func (b *Builder) buildUser(r *model.CleanUser) *model.User {
	u := &model.User{
		ID:               b.ids.Register(model.KindUser, r.OldID),
		OldID:            r.OldID,
		Username:         r.Username,
		Email:            r.Email,
		FullName:         r.FullName,
		HashedPassword:   b.opts.PasswordPrefix + r.Username,
		IsActive:         true,
		IsSuperuser:      false,
		RegistrationDate: r.RegistrationDate,
		PhoneNumber:      r.PhoneNumber,
	}
	if a := r.Address; a != nil {
		u.Address = &model.Address{
			ID:              b.ids.Register(model.KindAddress, r.OldID),
			UserID:          u.ID,
			Street:          a.Street,
			City:            a.City,
			State:           a.State,
			ZipCode:         a.ZipCode,
			Country:         a.Country,
			DefaultShipping: true,
			DefaultBilling:  true,
		}
	}
	return u
}

// SKU derives a stable stock keeping unit from the legacy product key.
func SKU(oldID int64) string {
	return fmt.Sprintf("SKU-%05d", oldID)
}

func (b *Builder) buildProduct(r *model.CleanProduct) *model.Product {
	return &model.Product{
		ID:            b.ids.Register(model.KindProduct, r.OldID),
		OldID:         r.OldID,
		Name:          r.Name,
		Description:   r.Description,
		Price:         r.Price,
		SKU:           SKU(r.OldID),
		StockQuantity: 0,
		CategoryName:  r.CategoryName,
		CreatedAt:     r.CreatedAt,
	}
}

// resolveUser looks the identifier up as a username first, then as an email.
func (b *Builder) resolveUser(identifier string) (oldKey, newKey int64, err error) {
	oldKey, newKey, err = b.ids.ResolveAlias(model.KindUser, identifier)
	if err == nil {
		return oldKey, newKey, nil
	}
	return b.ids.ResolveAlias(model.KindUser, strings.ToLower(identifier))
}

func (b *Builder) buildOrder(r *model.CleanOrder) (model.Entity, *model.Rejection) {
	oldUser, userID, err := b.resolveUser(r.UserIdentifier)
	if err != nil {
		return nil, model.Reject(model.EntityOrders, r.OldID, model.StageBuild,
			model.CodeDangling, "user_identifier_text", err.Error())
	}
	addrID, err := b.ids.Resolve(model.KindAddress, oldUser)
	if err != nil {
		return nil, model.Reject(model.EntityOrders, r.OldID, model.StageBuild,
			model.CodeDangling, "address_combined", "user has no loaded address")
	}
	if _, _, err := b.ids.ResolveAlias(model.KindProduct, productAlias(r.ProductName)); err != nil {
		return nil, model.Reject(model.EntityOrders, r.OldID, model.StageBuild,
			model.CodeDangling, "product_name_redundant", err.Error())
	}

	billing := addrID
	return &model.Order{
		ID:                b.ids.Register(model.KindOrder, r.OldID),
		OldID:             r.OldID,
		UserID:            userID,
		OrderDate:         r.OrderDate,
		Status:            r.Status,
		ShippingAddressID: addrID,
		BillingAddressID:  &billing,
	}, nil
}

func (b *Builder) buildOrderLine(r *model.CleanOrderLine) (model.Entity, *model.Rejection) {
	orderID, err := b.ids.Resolve(model.KindOrder, r.OldID)
	if err != nil {
		return nil, model.Reject(model.EntityOrderLines, r.OldID, model.StageBuild,
			model.CodeDangling, "id", "order was not loaded")
	}
	_, productID, err := b.ids.ResolveAlias(model.KindProduct, productAlias(r.ProductName))
	if err != nil {
		return nil, model.Reject(model.EntityOrderLines, r.OldID, model.StageBuild,
			model.CodeDangling, "product_name_redundant", err.Error())
	}

	item := &model.OrderItem{
		ID:          b.ids.Register(model.KindOrderItem, r.OldID),
		OldID:       r.OldID,
		OrderID:     orderID,
		ProductID:   productID,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		Subtotal:    Subtotal(r.Quantity, r.UnitPrice),
		SourceTotal: r.SourceTotal,
	}
	if item.Adjusted() {
		b.logger.Debug("recomputed subtotal differs from source",
			"old_key", r.OldID, "source", r.SourceTotal.String(), "subtotal", item.Subtotal.String())
	}
	return item, nil
}

// Subtotal computes quantity × unit price exactly.
func Subtotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

func productAlias(name string) string {
	return strings.ToLower(name)
}

// Aliases returns the natural keys under which an entity is resolvable.
func Aliases(e model.Entity) []string {
	switch v := e.(type) {
	case *model.User:
		return []string{v.Username, v.Email}
	case *model.Product:
		return []string{productAlias(v.Name)}
	}
	return nil
}

// Commit makes loaded entities resolvable by dependents, along with their
// natural keys and owned addresses. Call it only for rows the store committed,
// in source key order, so the lowest key wins a shared natural key.
func (b *Builder) Commit(loaded ...model.Entity) {
	for _, e := range loaded {
		kind := e.EntityKind()
		b.ids.Commit(kind, e.SourceKey())
		if u, ok := e.(*model.User); ok && u.Address != nil {
			b.ids.Commit(model.KindAddress, u.OldID)
		}
		for _, alias := range Aliases(e) {
			if !b.ids.Alias(kind, alias, e.SourceKey()) {
				b.logger.Debug("natural key already taken", "kind", kind, "alias", alias, "old_key", e.SourceKey())
			}
		}
	}
}
