package counting

// Denominations lists bill values, highest first.
var Denominations = []int{100, 50, 20, 10, 5}

// Count returns the number of bills of the given denomination.
func (e Envelope) Count(denomination int) int {
	switch denomination {
	case 100:
		return e.Count100
	case 50:
		return e.Count50
	case 20:
		return e.Count20
	case 10:
		return e.Count10
	case 5:
		return e.Count5
	default:
		return 0
	}
}

// CashCents is the bill subtotal in cents.
func (e Envelope) CashCents() int64 {
	var total int64
	for _, d := range Denominations {
		total += int64(e.Count(d)) * int64(d) * 100
	}
	return total
}

// TotalCents is bills plus coins plus cheques, in cents.
func (e Envelope) TotalCents() int64 {
	return e.CashCents() + e.CoinsAmountCents + e.ChequeAmountCents
}

type Totals struct {
	Bills        map[int]int `json:"bills"`
	CashCents    int64       `json:"cashCents"`
	CoinsCents   int64       `json:"coinsCents"`
	ChequesCents int64       `json:"chequesCents"`
	GrandCents   int64       `json:"grandCents"`
}

// Totals sums every envelope of the session.
func (s Session) Totals() Totals {
	totals := Totals{Bills: make(map[int]int, len(Denominations))}
	for _, d := range Denominations {
		totals.Bills[d] = 0
	}
	for _, e := range s.Envelopes {
		for _, d := range Denominations {
			totals.Bills[d] += e.Count(d)
		}
		totals.CashCents += e.CashCents()
		totals.CoinsCents += e.CoinsAmountCents
		totals.ChequesCents += e.ChequeAmountCents
		totals.GrandCents += e.TotalCents()
	}
	return totals
}
