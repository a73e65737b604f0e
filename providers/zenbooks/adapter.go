// Package zenbooks implements the provider adapter for ZenBooks. The API is
// PascalCase JSON under /api/2.0, customers are called "contacts", and
// duplicate conflicts come back as 409 with a Conflict envelope.
package zenbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

const ProviderID = "zenbooks"

type Adapter struct {
	client *providers.Client
}

func New() *Adapter {
	baseURL := strings.TrimSpace(os.Getenv("ZENBOOKS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.zenbooks.io"
	}
	return &Adapter{client: providers.NewClient(baseURL)}
}

// NewWithClient is used by tests to point the adapter at a stub server.
func NewWithClient(client *providers.Client) *Adapter {
	return &Adapter{client: client}
}

func OAuthFromEnv() providers.OAuthConfig {
	tokenURL := strings.TrimSpace(os.Getenv("ZENBOOKS_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = "https://identity.zenbooks.io/connect/token"
	}
	return providers.OAuthConfig{
		TokenURL:     tokenURL,
		ClientID:     os.Getenv("ZENBOOKS_CLIENT_ID"),
		ClientSecret: os.Getenv("ZENBOOKS_CLIENT_SECRET"),
	}
}

func (a *Adapter) ID() string { return ProviderID }

type zbContact struct {
	ContactName  string `json:"ContactName"`
	EmailAddress string `json:"EmailAddress,omitempty"`
	PhoneNumber  string `json:"PhoneNumber,omitempty"`
	TaxNumber    string `json:"TaxNumber,omitempty"`
	AddressLines string `json:"AddressLines,omitempty"`
	City         string `json:"City,omitempty"`
	Region       string `json:"Region,omitempty"`
	PostalCode   string `json:"PostalCode,omitempty"`
	Country      string `json:"Country,omitempty"`
}

type zbContactResponse struct {
	ContactID string `json:"ContactID"`
}

type zbConflictEnvelope struct {
	Type     string `json:"Type"`
	Elements []struct {
		ContactID string `json:"ContactID"`
		InvoiceID string `json:"InvoiceID"`
	} `json:"Elements"`
}

func conflictExistingId(body []byte) string {
	var parsed zbConflictEnvelope
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, el := range parsed.Elements {
		if el.ContactID != "" {
			return el.ContactID
		}
		if el.InvoiceID != "" {
			return el.InvoiceID
		}
	}
	return ""
}

func joinAddressLines(addr models.Address) string {
	parts := make([]string, 0, 2)
	if addr.Line1 != "" {
		parts = append(parts, addr.Line1)
	}
	if addr.Line2 != "" {
		parts = append(parts, addr.Line2)
	}
	return strings.Join(parts, "\n")
}

func (a *Adapter) UpsertCustomer(ctx context.Context, accessToken string, customer *models.UnifiedCustomer, existingExternalId string) (string, error) {
	// ZenBooks has a single address per contact; the billing address wins.
	payload := zbContact{
		ContactName:  customer.DisplayName,
		EmailAddress: customer.Email,
		PhoneNumber:  utils.NormalizePhone(customer.Phone),
		TaxNumber:    customer.TaxId,
		AddressLines: joinAddressLines(customer.BillingAddress),
		City:         customer.BillingAddress.City,
		Region:       customer.BillingAddress.Region,
		PostalCode:   customer.BillingAddress.PostalCode,
		Country:      customer.BillingAddress.Country,
	}

	var resp zbContactResponse
	var err error
	if existingExternalId != "" {
		err = a.client.Do(ctx, http.MethodPost, "/api/2.0/contacts/"+existingExternalId, accessToken, payload, &resp)
	} else {
		err = a.client.Do(ctx, http.MethodPut, "/api/2.0/contacts", accessToken, payload, &resp)
	}
	if err != nil {
		return "", providers.Classify(err, conflictExistingId)
	}
	if existingExternalId != "" && resp.ContactID == "" {
		return existingExternalId, nil
	}
	return resp.ContactID, nil
}

type zbInvoiceLine struct {
	Description string          `json:"Description"`
	Quantity    decimal.Decimal `json:"Quantity"`
	UnitAmount  decimal.Decimal `json:"UnitAmount"`
	TaxType     string          `json:"TaxType,omitempty"`
}

type zbInvoice struct {
	ContactID     string          `json:"ContactID"`
	InvoiceNumber string          `json:"InvoiceNumber"`
	Date          string          `json:"Date"`
	DueDate       string          `json:"DueDate"`
	LineItems     []zbInvoiceLine `json:"LineItems"`
	TotalTax      decimal.Decimal `json:"TotalTax"`
	Total         decimal.Decimal `json:"Total"`
	Status        string          `json:"Status"`
}

type zbInvoiceResponse struct {
	InvoiceID string `json:"InvoiceID"`
}

var zbInvoiceStatus = map[models.InvoiceStatus]string{
	models.InvoiceStatusDraft:  "DRAFT",
	models.InvoiceStatusUnpaid: "AUTHORISED",
	models.InvoiceStatusPaid:   "AUTHORISED", // PAID is derived from payments, not settable
	models.InvoiceStatusVoid:   "VOIDED",
}

func (a *Adapter) UpsertInvoice(ctx context.Context, accessToken string, invoice *models.UnifiedInvoice, customerExternalId string, existingExternalId string) (string, error) {
	if customerExternalId == "" {
		return "", syncerr.PrerequisiteMissing(fmt.Sprintf("invoice %s: customer %s has no zenbooks mapping", invoice.Id, invoice.CustomerRef))
	}

	lines := make([]zbInvoiceLine, 0, len(invoice.LineItems))
	for _, l := range invoice.LineItems {
		lines = append(lines, zbInvoiceLine{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitAmount:  l.UnitPrice,
			TaxType:     l.TaxCode,
		})
	}
	payload := zbInvoice{
		ContactID:     customerExternalId,
		InvoiceNumber: invoice.Number,
		Date:          invoice.IssueDate.Format("2006-01-02"),
		DueDate:       invoice.DueDate.Format("2006-01-02"),
		LineItems:     lines,
		TotalTax:      invoice.TaxTotal,
		Total:         invoice.Total,
		Status:        zbInvoiceStatus[invoice.Status],
	}

	var resp zbInvoiceResponse
	var err error
	if existingExternalId != "" {
		err = a.client.Do(ctx, http.MethodPost, "/api/2.0/invoices/"+existingExternalId, accessToken, payload, &resp)
	} else {
		err = a.client.Do(ctx, http.MethodPut, "/api/2.0/invoices", accessToken, payload, &resp)
	}
	if err != nil {
		return "", providers.Classify(err, conflictExistingId)
	}
	if existingExternalId != "" && resp.InvoiceID == "" {
		return existingExternalId, nil
	}
	return resp.InvoiceID, nil
}

type zbPayment struct {
	InvoiceID string          `json:"InvoiceID"`
	Amount    decimal.Decimal `json:"Amount"`
	Date      string          `json:"Date"`
	Reference string          `json:"Reference,omitempty"`
}

type zbPaymentResponse struct {
	PaymentID string `json:"PaymentID"`
}

// UpsertPayment records a payment against the invoice. ZenBooks cannot apply
// a payment and settle the invoice balance in one call: the payment is
// recorded as its own transaction and the invoice's AmountDue is recomputed
// asynchronously on their side, so a partially paid invoice may briefly still
// read as AUTHORISED with the full amount due.
func (a *Adapter) UpsertPayment(ctx context.Context, accessToken string, payment *models.UnifiedPayment, invoiceExternalId string) (string, error) {
	if invoiceExternalId == "" {
		return "", syncerr.PrerequisiteMissing(fmt.Sprintf("payment %s: invoice %s has no zenbooks mapping", payment.Id, payment.InvoiceRef))
	}

	payload := zbPayment{
		InvoiceID: invoiceExternalId,
		Amount:    payment.Amount,
		Date:      payment.Date.Format("2006-01-02"),
		Reference: payment.ExternalTransactionRef,
	}

	var resp zbPaymentResponse
	if err := a.client.Do(ctx, http.MethodPut, "/api/2.0/payments", accessToken, payload, &resp); err != nil {
		return "", providers.Classify(err, conflictExistingId)
	}
	return resp.PaymentID, nil
}

type zbAccount struct {
	AccountID string `json:"AccountID"`
	Name      string `json:"Name"`
	Type      string `json:"Type"`
}

type zbAccountList struct {
	Accounts []zbAccount `json:"Accounts"`
}

func (a *Adapter) ListAccounts(ctx context.Context, accessToken string) ([]providers.Account, error) {
	var resp zbAccountList
	if err := a.client.Do(ctx, http.MethodGet, "/api/2.0/accounts", accessToken, nil, &resp); err != nil {
		return nil, providers.Classify(err, nil)
	}
	accounts := make([]providers.Account, 0, len(resp.Accounts))
	for _, acc := range resp.Accounts {
		accounts = append(accounts, providers.Account{
			Id:   acc.AccountID,
			Name: acc.Name,
			Type: acc.Type,
		})
	}
	return accounts, nil
}

type zbStatusUpdate struct {
	Status string `json:"Status"`
}

func (a *Adapter) Delete(ctx context.Context, accessToken string, entityType models.EntityType, externalId string) error {
	var err error
	switch entityType {
	case models.EntityTypeInvoice:
		// ZenBooks has no invoice delete; voiding is a status transition.
		err = a.client.Do(ctx, http.MethodPost, "/api/2.0/invoices/"+externalId, accessToken, zbStatusUpdate{Status: "VOIDED"}, nil)
	case models.EntityTypeCustomer:
		err = a.client.Do(ctx, http.MethodPost, "/api/2.0/contacts/"+externalId, accessToken, zbStatusUpdate{Status: "ARCHIVED"}, nil)
	case models.EntityTypePayment:
		err = a.client.Do(ctx, http.MethodDelete, "/api/2.0/payments/"+externalId, accessToken, nil, nil)
	default:
		return syncerr.Validation("unknown entity type " + string(entityType))
	}
	if err != nil {
		return providers.Classify(err, nil)
	}
	return nil
}
