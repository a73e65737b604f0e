package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/synchub_backend/syncerr"
)

var validate = validator.New()

// Unified entities are the provider-agnostic representations the hub syncs.
// They are built from source-system payloads and snapshotted into the job's
// payload column, so a job always syncs the state it was enqueued with.

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type UnifiedCustomer struct {
	Id              string  `json:"id" validate:"required"`
	DisplayName     string  `json:"displayName" validate:"required"`
	Email           string  `json:"email" validate:"omitempty,email"`
	Phone           string  `json:"phone"`
	TaxId           string  `json:"taxId"`
	BillingAddress  Address `json:"billingAddress"`
	ShippingAddress Address `json:"shippingAddress"`
}

func (c *UnifiedCustomer) Validate() error {
	if err := validate.Struct(c); err != nil {
		return syncerr.Validation(fmt.Sprintf("customer %s: %v", c.Id, err))
	}
	return nil
}

type UnifiedLineItem struct {
	Description string          `json:"description" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TaxCode     string          `json:"taxCode"`
}

func (l UnifiedLineItem) Total() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

type UnifiedInvoice struct {
	Id          string            `json:"id" validate:"required"`
	CustomerRef string            `json:"customerRef" validate:"required"`
	Number      string            `json:"number" validate:"required"`
	IssueDate   time.Time         `json:"issueDate"`
	DueDate     time.Time         `json:"dueDate"`
	LineItems   []UnifiedLineItem `json:"lineItems" validate:"required,min=1,dive"`
	TaxTotal    decimal.Decimal   `json:"taxTotal"`
	Total       decimal.Decimal   `json:"total"`
	Status      InvoiceStatus     `json:"status" validate:"required,oneof=draft unpaid paid void"`
}

// Validate checks structural rules plus the totals invariant:
// sum of line totals plus tax must equal the invoice total.
func (inv *UnifiedInvoice) Validate() error {
	if err := validate.Struct(inv); err != nil {
		return syncerr.Validation(fmt.Sprintf("invoice %s: %v", inv.Id, err))
	}
	sum := decimal.Zero
	for _, line := range inv.LineItems {
		if line.Quantity.LessThanOrEqual(decimal.Zero) {
			return syncerr.Validation(fmt.Sprintf("invoice %s: line quantity must be positive", inv.Id))
		}
		sum = sum.Add(line.Total())
	}
	if !sum.Add(inv.TaxTotal).Equal(inv.Total) {
		return syncerr.Validation(fmt.Sprintf(
			"invoice %s: line totals %s + tax %s do not equal total %s",
			inv.Id, sum.String(), inv.TaxTotal.String(), inv.Total.String()))
	}
	return nil
}

type UnifiedPayment struct {
	Id         string          `json:"id" validate:"required"`
	InvoiceRef string          `json:"invoiceRef" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"date"`
	Method     string          `json:"method"`
	// ExternalTransactionRef is the source system's settlement reference
	// (gateway charge id, bank ref).
	ExternalTransactionRef string `json:"externalTransactionRef"`
	// OutstandingBalance is the invoice balance BEFORE this payment, as
	// reported by the source system. When present (> 0 or the amount equals
	// it), the hub rejects over-application so no provider ever sees a
	// negative invoice balance.
	OutstandingBalance decimal.Decimal `json:"outstandingBalance"`
}

func (p *UnifiedPayment) Validate() error {
	if err := validate.Struct(p); err != nil {
		return syncerr.Validation(fmt.Sprintf("payment %s: %v", p.Id, err))
	}
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return syncerr.Validation(fmt.Sprintf("payment %s: amount must be positive", p.Id))
	}
	if p.OutstandingBalance.GreaterThan(decimal.Zero) && p.Amount.GreaterThan(p.OutstandingBalance) {
		return syncerr.Validation(fmt.Sprintf(
			"payment %s: amount %s exceeds outstanding balance %s",
			p.Id, p.Amount.String(), p.OutstandingBalance.String()))
	}
	return nil
}

// DecodeUnified parses a job payload back into its unified entity and
// re-validates it. Payloads are validated on enqueue as well; validating
// again guards against schema drift between enqueue and processing.
func DecodeUnified(entityType EntityType, payload []byte) (interface{}, error) {
	switch entityType {
	case EntityTypeCustomer:
		var c UnifiedCustomer
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, syncerr.Validation("customer payload: " + err.Error())
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return &c, nil
	case EntityTypeInvoice:
		var inv UnifiedInvoice
		if err := json.Unmarshal(payload, &inv); err != nil {
			return nil, syncerr.Validation("invoice payload: " + err.Error())
		}
		if err := inv.Validate(); err != nil {
			return nil, err
		}
		return &inv, nil
	case EntityTypePayment:
		var p UnifiedPayment
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, syncerr.Validation("payment payload: " + err.Error())
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, syncerr.Validation("unknown entity type " + string(entityType))
	}
}
