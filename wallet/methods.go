package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
)

// Supported lists the wallet methods in the order get_info reports them.
var Supported = []string{
	"pay_invoice",
	"pay_keysend",
	"make_invoice",
	"lookup_invoice",
	"get_balance",
	"get_info",
	"list_transactions",
}

// Methods executes wallet commands. Params arrive either positionally
// (["lnbc...", "5000"]) or as a single NIP-47 params object.
type Methods struct {
	backend Backend
}

// NewMethods returns the wallet method table.
func NewMethods(backend Backend) *Methods {
	return &Methods{backend: backend}
}

func parseErr(format string, args ...any) error {
	return bunker.Errorf(bunker.CodeParse, format, args...)
}

func objectParams(params []string) (string, bool) {
	if len(params) == 1 && strings.HasPrefix(strings.TrimSpace(params[0]), "{") {
		return params[0], true
	}
	return "", false
}

func decodeObject(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return parseErr("invalid params object")
	}
	return nil
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, parseErr("invalid amount %q", s)
	}
	return n, nil
}

func payRequest(params []string) (PayRequest, error) {
	var req PayRequest
	if raw, ok := objectParams(params); ok {
		if err := decodeObject(raw, &req); err != nil {
			return req, err
		}
	} else {
		if len(params) < 1 {
			return req, parseErr("pay_invoice expects an invoice")
		}
		req.Invoice = params[0]
		if len(params) > 1 && params[1] != "" {
			amount, err := parseAmount(params[1])
			if err != nil {
				return req, err
			}
			req.AmountMsat = amount
		}
	}
	if req.Invoice == "" {
		return req, parseErr("pay_invoice expects an invoice")
	}
	return req, nil
}

// paymentAmount resolves what pay_invoice will spend: the invoice's own
// amount, or the explicit amount for an amountless invoice.
func paymentAmount(req PayRequest) (int64, error) {
	encoded, ok, err := InvoiceAmountMsat(req.Invoice)
	if err != nil {
		return 0, parseErr("%v", err)
	}
	switch {
	case ok && req.AmountMsat > 0 && req.AmountMsat != encoded:
		return 0, parseErr("amount does not match invoice")
	case ok:
		return encoded, nil
	case req.AmountMsat > 0:
		return req.AmountMsat, nil
	}
	return 0, parseErr("amountless invoice requires an amount")
}

func keysendRequest(params []string) (KeysendRequest, error) {
	var req KeysendRequest
	if raw, ok := objectParams(params); ok {
		if err := decodeObject(raw, &req); err != nil {
			return req, err
		}
	} else {
		if len(params) < 2 {
			return req, parseErr("pay_keysend expects a pubkey and an amount")
		}
		amount, err := parseAmount(params[1])
		if err != nil {
			return req, err
		}
		req.Pubkey, req.AmountMsat = params[0], amount
		if len(params) > 2 {
			req.Preimage = params[2]
		}
	}
	if req.Pubkey == "" || req.AmountMsat <= 0 {
		return req, parseErr("pay_keysend expects a pubkey and a positive amount")
	}
	return req, nil
}

func invoiceRequest(params []string) (InvoiceRequest, error) {
	var req InvoiceRequest
	if raw, ok := objectParams(params); ok {
		if err := decodeObject(raw, &req); err != nil {
			return req, err
		}
	} else {
		if len(params) < 1 {
			return req, parseErr("make_invoice expects an amount")
		}
		amount, err := parseAmount(params[0])
		if err != nil {
			return req, err
		}
		req.AmountMsat = amount
		if len(params) > 1 {
			req.Description = params[1]
		}
		if len(params) > 2 {
			expiry, err := parseAmount(params[2])
			if err != nil {
				return req, err
			}
			req.Expiry = expiry
		}
	}
	if req.AmountMsat <= 0 {
		return req, parseErr("make_invoice expects a positive amount")
	}
	return req, nil
}

func lookupRequest(params []string) (LookupRequest, error) {
	var req LookupRequest
	if raw, ok := objectParams(params); ok {
		if err := decodeObject(raw, &req); err != nil {
			return req, err
		}
	} else if len(params) > 0 {
		if strings.HasPrefix(strings.ToLower(params[0]), "ln") {
			req.Invoice = params[0]
		} else {
			req.PaymentHash = params[0]
		}
	}
	if req.PaymentHash == "" && req.Invoice == "" {
		return req, parseErr("lookup_invoice expects a payment hash or invoice")
	}
	return req, nil
}

func listRequest(params []string) (ListRequest, error) {
	var req ListRequest
	if raw, ok := objectParams(params); ok {
		if err := decodeObject(raw, &req); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Annotate validates cmd and sets Amount, in sats, for payment methods.
func (m *Methods) Annotate(cmd *bunker.Command) error {
	switch cmd.Method {
	case "pay_invoice":
		req, err := payRequest(cmd.Params)
		if err != nil {
			return err
		}
		msat, err := paymentAmount(req)
		if err != nil {
			return err
		}
		cmd.Amount = SatsCeil(msat)
	case "pay_keysend":
		req, err := keysendRequest(cmd.Params)
		if err != nil {
			return err
		}
		if b, err := hex.DecodeString(req.Pubkey); err != nil || len(b) != 33 {
			return parseErr("invalid node pubkey")
		}
		cmd.Amount = SatsCeil(req.AmountMsat)
	case "make_invoice":
		_, err := invoiceRequest(cmd.Params)
		return err
	case "lookup_invoice":
		_, err := lookupRequest(cmd.Params)
		return err
	case "list_transactions":
		_, err := listRequest(cmd.Params)
		return err
	case "get_balance", "get_info":
	default:
		return bunker.Errorf(bunker.CodeUnsupportedMethod, "unsupported method %s", cmd.Method)
	}
	return nil
}

func result(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func backendErr(method string, err error) error {
	log.Warn().Err(err).Str("method", method).Msg("Wallet backend call failed")
	return bunker.Errorf(bunker.CodeExecutionFailed, "%s failed", method)
}

// Execute runs an approved wallet command. For payments the budget has
// already been debited by the caller.
func (m *Methods) Execute(ctx context.Context, conn *bunker.Connection, cmd *bunker.Command) (string, error) {
	switch cmd.Method {
	case "pay_invoice":
		req, err := payRequest(cmd.Params)
		if err != nil {
			return "", err
		}
		payment, err := m.backend.PayInvoice(ctx, req)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		log.Info().Str("connection_id", conn.ID).Int64("amount_sats", cmd.Amount).Msg("Invoice paid")
		return result(payment)

	case "pay_keysend":
		req, err := keysendRequest(cmd.Params)
		if err != nil {
			return "", err
		}
		payment, err := m.backend.PayKeysend(ctx, req)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		log.Info().Str("connection_id", conn.ID).Int64("amount_sats", cmd.Amount).Msg("Keysend paid")
		return result(payment)

	case "make_invoice":
		req, err := invoiceRequest(cmd.Params)
		if err != nil {
			return "", err
		}
		tx, err := m.backend.MakeInvoice(ctx, req)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		return result(tx)

	case "lookup_invoice":
		req, err := lookupRequest(cmd.Params)
		if err != nil {
			return "", err
		}
		tx, err := m.backend.LookupInvoice(ctx, req)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		return result(tx)

	case "get_balance":
		balance, err := m.backend.GetBalance(ctx)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		return result(map[string]int64{"balance": balance})

	case "get_info":
		info, err := m.backend.GetInfo(ctx)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		info.Methods = Supported
		return result(info)

	case "list_transactions":
		req, err := listRequest(cmd.Params)
		if err != nil {
			return "", err
		}
		txs, err := m.backend.ListTransactions(ctx, req)
		if err != nil {
			return "", backendErr(cmd.Method, err)
		}
		if txs == nil {
			txs = []Transaction{}
		}
		return result(map[string][]Transaction{"transactions": txs})
	}
	return "", bunker.Errorf(bunker.CodeUnsupportedMethod, "unsupported method %s", cmd.Method)
}
