// Package wallet executes wallet-connect (NIP-47) commands against a
// Lightning backend.
package wallet

import "context"

// Amounts in this package are millisatoshis unless a name says otherwise.

// PayRequest pays a BOLT-11 invoice. AmountMsat is set for amountless invoices.
type PayRequest struct {
	Invoice    string `json:"invoice"`
	AmountMsat int64  `json:"amount,omitempty"`
}

// TLVRecord is a custom keysend record.
type TLVRecord struct {
	Type  uint64 `json:"type"`
	Value string `json:"value"`
}

// KeysendRequest pays a node directly.
type KeysendRequest struct {
	Pubkey     string      `json:"pubkey"`
	AmountMsat int64       `json:"amount"`
	Preimage   string      `json:"preimage,omitempty"`
	TLVRecords []TLVRecord `json:"tlv_records,omitempty"`
}

// InvoiceRequest creates an invoice.
type InvoiceRequest struct {
	AmountMsat      int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Expiry          int64  `json:"expiry,omitempty"`
}

// LookupRequest finds an invoice by hash or by the invoice itself.
type LookupRequest struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

// ListRequest filters the transaction history.
type ListRequest struct {
	From   int64  `json:"from,omitempty"`
	Until  int64  `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Unpaid bool   `json:"unpaid,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Payment is the result of a successful payment.
type Payment struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"`
}

// Transaction is an incoming or outgoing payment.
type Transaction struct {
	Type        string `json:"type"`
	Invoice     string `json:"invoice,omitempty"`
	Description string `json:"description,omitempty"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	AmountMsat  int64  `json:"amount"`
	FeesPaid    int64  `json:"fees_paid,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

// Info describes the backing node.
type Info struct {
	Alias       string   `json:"alias,omitempty"`
	Color       string   `json:"color,omitempty"`
	Pubkey      string   `json:"pubkey,omitempty"`
	Network     string   `json:"network,omitempty"`
	BlockHeight uint32   `json:"block_height,omitempty"`
	BlockHash   string   `json:"block_hash,omitempty"`
	Methods     []string `json:"methods"`
}

// Backend is a Lightning node or service able to move funds.
type Backend interface {
	PayInvoice(ctx context.Context, req PayRequest) (*Payment, error)
	PayKeysend(ctx context.Context, req KeysendRequest) (*Payment, error)
	MakeInvoice(ctx context.Context, req InvoiceRequest) (*Transaction, error)
	LookupInvoice(ctx context.Context, req LookupRequest) (*Transaction, error)
	GetBalance(ctx context.Context) (int64, error)
	GetInfo(ctx context.Context) (*Info, error)
	ListTransactions(ctx context.Context, req ListRequest) ([]Transaction, error)
}
