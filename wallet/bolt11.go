package wallet

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrInvalidInvoice is returned for strings that are not BOLT-11 invoices.
	ErrInvalidInvoice = errors.New("invalid BOLT-11 invoice")
)

// msat per unit of each BOLT-11 amount multiplier.
var multipliers = map[byte]int64{
	'm': 100_000_000,
	'u': 100_000,
	'n': 100,
}

const msatPerBTC = 100_000_000_000

// InvoiceAmountMsat reads the amount encoded in an invoice's human-readable
// part. ok is false for amountless invoices.
func InvoiceAmountMsat(invoice string) (amount int64, ok bool, err error) {
	s := strings.ToLower(strings.TrimSpace(invoice))
	s = strings.TrimPrefix(s, "lightning:")

	sep := strings.LastIndexByte(s, '1')
	if sep < 0 || !strings.HasPrefix(s, "ln") {
		return 0, false, ErrInvalidInvoice
	}
	hrp := s[2:sep]

	// Currency prefix (bc, tb, bcrt, tbs, ...) runs up to the first digit.
	i := strings.IndexAny(hrp, "0123456789")
	if i < 0 {
		if hrp == "" {
			return 0, false, ErrInvalidInvoice
		}
		return 0, false, nil
	}
	if i == 0 {
		return 0, false, ErrInvalidInvoice
	}
	digits := hrp[i:]

	var suffix byte
	if last := digits[len(digits)-1]; last < '0' || last > '9' {
		suffix = last
		digits = digits[:len(digits)-1]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, false, ErrInvalidInvoice
	}

	switch suffix {
	case 0:
		if n > (1<<62)/msatPerBTC {
			return 0, false, ErrInvalidInvoice
		}
		return n * msatPerBTC, true, nil
	case 'p':
		// One pico-bitcoin is a tenth of a msat; amounts must land on whole msats.
		if n%10 != 0 {
			return 0, false, ErrInvalidInvoice
		}
		return n / 10, true, nil
	default:
		mult, known := multipliers[suffix]
		if !known || n > (1<<62)/mult {
			return 0, false, ErrInvalidInvoice
		}
		return n * mult, true, nil
	}
}

// SatsCeil converts msat to whole sats, rounding up so budgets never
// under-count.
func SatsCeil(msat int64) int64 {
	return (msat + 999) / 1000
}
