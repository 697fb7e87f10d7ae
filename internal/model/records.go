package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Validated is a cleaned record that passed every field rule.
type Validated interface {
	Entity() EntityType
	SourceKey() int64
}

// ParsedAddress is the structured form of a combined address string.
type ParsedAddress struct {
	Street  string
	City    string
	State   *string
	ZipCode string
	Country string
}

type CleanUser struct {
	OldID            int64
	Username         string
	Email            string
	FullName         *string
	RegistrationDate time.Time
	PhoneNumber      *string
	Address          *ParsedAddress
	Defaulted        []string
}

type CleanProduct struct {
	OldID        int64
	Name         string
	Description  *string
	Price        decimal.Decimal
	CategoryName string
	CreatedAt    *time.Time
	Defaulted    []string
}

type CleanOrder struct {
	OldID          int64
	UserIdentifier string
	ProductName    string
	OrderDate      time.Time
	Status         OrderStatus
	Defaulted      []string
}

// CleanOrderLine is the line half of an old order row.
type CleanOrderLine struct {
	OldID       int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	SourceTotal *decimal.Decimal
	Defaulted   []string
}

func (r *CleanUser) Entity() EntityType      { return EntityUsers }
func (r *CleanUser) SourceKey() int64        { return r.OldID }
func (r *CleanProduct) Entity() EntityType   { return EntityProducts }
func (r *CleanProduct) SourceKey() int64     { return r.OldID }
func (r *CleanOrder) Entity() EntityType     { return EntityOrders }
func (r *CleanOrder) SourceKey() int64       { return r.OldID }
func (r *CleanOrderLine) Entity() EntityType { return EntityOrderLines }
func (r *CleanOrderLine) SourceKey() int64   { return r.OldID }

// DefaultedFields lists the fields a record filled with sentinel values.
func DefaultedFields(v Validated) []string {
	switch r := v.(type) {
	case *CleanUser:
		return r.Defaulted
	case *CleanProduct:
		return r.Defaulted
	case *CleanOrder:
		return r.Defaulted
	case *CleanOrderLine:
		return r.Defaulted
	}
	return nil
}
