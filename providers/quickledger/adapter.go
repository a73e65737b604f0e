// Package quickledger implements the provider adapter for QuickLedger, a
// REST/OAuth2 accounting product. Entities live under /v1 with snake_case
// payloads; duplicate conflicts come back as 409 with the existing id.
package quickledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

const ProviderID = "quickledger"

type Adapter struct {
	client *providers.Client
}

func New() *Adapter {
	baseURL := strings.TrimSpace(os.Getenv("QUICKLEDGER_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.quickledger.com"
	}
	return &Adapter{client: providers.NewClient(baseURL)}
}

// NewWithClient is used by tests to point the adapter at a stub server.
func NewWithClient(client *providers.Client) *Adapter {
	return &Adapter{client: client}
}

func OAuthFromEnv() providers.OAuthConfig {
	tokenURL := strings.TrimSpace(os.Getenv("QUICKLEDGER_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = "https://oauth.quickledger.com/token"
	}
	return providers.OAuthConfig{
		TokenURL:     tokenURL,
		ClientID:     os.Getenv("QUICKLEDGER_CLIENT_ID"),
		ClientSecret: os.Getenv("QUICKLEDGER_CLIENT_SECRET"),
	}
}

func (a *Adapter) ID() string { return ProviderID }

type qlAddress struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type qlCustomer struct {
	Name            string     `json:"name"`
	Email           string     `json:"email,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	TaxId           string     `json:"tax_id,omitempty"`
	BillingAddress  *qlAddress `json:"billing_address,omitempty"`
	ShippingAddress *qlAddress `json:"shipping_address,omitempty"`
}

type qlEntityResponse struct {
	Id string `json:"id"`
}

type qlConflictBody struct {
	Error      string `json:"error"`
	ExistingId string `json:"existing_id"`
}

func conflictExistingId(body []byte) string {
	var parsed qlConflictBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.ExistingId)
}

func toQLAddress(addr models.Address) *qlAddress {
	if addr == (models.Address{}) {
		return nil
	}
	return &qlAddress{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		Region:     addr.Region,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

func (a *Adapter) UpsertCustomer(ctx context.Context, accessToken string, customer *models.UnifiedCustomer, existingExternalId string) (string, error) {
	payload := qlCustomer{
		Name:            customer.DisplayName,
		Email:           customer.Email,
		Phone:           utils.NormalizePhone(customer.Phone),
		TaxId:           customer.TaxId,
		BillingAddress:  toQLAddress(customer.BillingAddress),
		ShippingAddress: toQLAddress(customer.ShippingAddress),
	}

	var resp qlEntityResponse
	var err error
	if existingExternalId != "" {
		err = a.client.Do(ctx, http.MethodPut, "/v1/customers/"+existingExternalId, accessToken, payload, &resp)
	} else {
		err = a.client.Do(ctx, http.MethodPost, "/v1/customers", accessToken, payload, &resp)
	}
	if err != nil {
		return "", providers.Classify(err, conflictExistingId)
	}
	if existingExternalId != "" && resp.Id == "" {
		return existingExternalId, nil
	}
	return resp.Id, nil
}

type qlInvoiceLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxCode     string          `json:"tax_code,omitempty"`
}

type qlInvoice struct {
	CustomerId string          `json:"customer_id"`
	Number     string          `json:"number"`
	IssueDate  string          `json:"issue_date"`
	DueDate    string          `json:"due_date"`
	Lines      []qlInvoiceLine `json:"lines"`
	TaxTotal   decimal.Decimal `json:"tax_total"`
	Total      decimal.Decimal `json:"total"`
	Status     string          `json:"status"`
}

func (a *Adapter) UpsertInvoice(ctx context.Context, accessToken string, invoice *models.UnifiedInvoice, customerExternalId string, existingExternalId string) (string, error) {
	if customerExternalId == "" {
		return "", syncerr.PrerequisiteMissing(fmt.Sprintf("invoice %s: customer %s has no quickledger mapping", invoice.Id, invoice.CustomerRef))
	}

	lines := make([]qlInvoiceLine, 0, len(invoice.LineItems))
	for _, l := range invoice.LineItems {
		lines = append(lines, qlInvoiceLine{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxCode:     l.TaxCode,
		})
	}
	payload := qlInvoice{
		CustomerId: customerExternalId,
		Number:     invoice.Number,
		IssueDate:  invoice.IssueDate.Format("2006-01-02"),
		DueDate:    invoice.DueDate.Format("2006-01-02"),
		Lines:      lines,
		TaxTotal:   invoice.TaxTotal,
		Total:      invoice.Total,
		Status:     string(invoice.Status),
	}

	var resp qlEntityResponse
	var err error
	if existingExternalId != "" {
		err = a.client.Do(ctx, http.MethodPut, "/v1/invoices/"+existingExternalId, accessToken, payload, &resp)
	} else {
		err = a.client.Do(ctx, http.MethodPost, "/v1/invoices", accessToken, payload, &resp)
	}
	if err != nil {
		return "", providers.Classify(err, conflictExistingId)
	}
	if existingExternalId != "" && resp.Id == "" {
		return existingExternalId, nil
	}
	return resp.Id, nil
}

type qlPayment struct {
	InvoiceId string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date"`
	Method    string          `json:"method,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

// UpsertPayment posts the payment; QuickLedger applies partial amounts
// natively and recomputes the invoice balance in the same call.
func (a *Adapter) UpsertPayment(ctx context.Context, accessToken string, payment *models.UnifiedPayment, invoiceExternalId string) (string, error) {
	if invoiceExternalId == "" {
		return "", syncerr.PrerequisiteMissing(fmt.Sprintf("payment %s: invoice %s has no quickledger mapping", payment.Id, payment.InvoiceRef))
	}

	payload := qlPayment{
		InvoiceId: invoiceExternalId,
		Amount:    payment.Amount,
		Date:      payment.Date.Format(time.RFC3339),
		Method:    payment.Method,
		Reference: payment.ExternalTransactionRef,
	}

	var resp qlEntityResponse
	if err := a.client.Do(ctx, http.MethodPost, "/v1/payments", accessToken, payload, &resp); err != nil {
		return "", providers.Classify(err, conflictExistingId)
	}
	return resp.Id, nil
}

type qlAccountList struct {
	Accounts []providers.Account `json:"accounts"`
}

func (a *Adapter) ListAccounts(ctx context.Context, accessToken string) ([]providers.Account, error) {
	var resp qlAccountList
	if err := a.client.Do(ctx, http.MethodGet, "/v1/accounts", accessToken, nil, &resp); err != nil {
		return nil, providers.Classify(err, nil)
	}
	return resp.Accounts, nil
}

func (a *Adapter) Delete(ctx context.Context, accessToken string, entityType models.EntityType, externalId string) error {
	var err error
	switch entityType {
	case models.EntityTypeInvoice:
		// Invoices are voided, not deleted.
		err = a.client.Do(ctx, http.MethodPost, "/v1/invoices/"+externalId+"/void", accessToken, nil, nil)
	case models.EntityTypeCustomer:
		err = a.client.Do(ctx, http.MethodDelete, "/v1/customers/"+externalId, accessToken, nil, nil)
	case models.EntityTypePayment:
		err = a.client.Do(ctx, http.MethodDelete, "/v1/payments/"+externalId, accessToken, nil, nil)
	default:
		return syncerr.Validation("unknown entity type " + string(entityType))
	}
	if err != nil {
		return providers.Classify(err, nil)
	}
	return nil
}
