package core

import "sort"

// BalanceKey addresses one participant's position in one currency.
type BalanceKey struct {
	Participant ParticipantRef
	Currency    Currency
}

// Balance is a derived net position: positive is owed money, negative owes.
type Balance struct {
	Participant ParticipantRef
	Net         Money
}

// Balances maps (participant, currency) to a net amount. Zero entries are
// never stored.
type Balances map[BalanceKey]Money

// Credit adds amount minor units to p's balance in c, dropping the entry
// when it reaches zero.
func (b Balances) Credit(p ParticipantRef, c Currency, amount int64) {
	k := BalanceKey{Participant: p, Currency: c}
	next := b[k].Amount + amount
	if next == 0 {
		delete(b, k)
		return
	}
	b[k] = Money{Amount: next, Currency: c}
}

// Debit subtracts amount minor units from p's balance in c.
func (b Balances) Debit(p ParticipantRef, c Currency, amount int64) {
	b.Credit(p, c, -amount)
}

// Get returns p's balance in c (zero if absent).
func (b Balances) Get(p ParticipantRef, c Currency) Money {
	if m, ok := b[BalanceKey{Participant: p, Currency: c}]; ok {
		return m
	}
	return Zero(c)
}

// Currencies lists the currencies present, sorted.
func (b Balances) Currencies() []Currency {
	set := make(map[Currency]struct{})
	for k := range b {
		set[k.Currency] = struct{}{}
	}
	out := make([]Currency, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sortCurrencies(out)
	return out
}

// Sum adds every balance in c. A consistent ledger sums to zero.
func (b Balances) Sum(c Currency) int64 {
	var sum int64
	for k, m := range b {
		if k.Currency == c {
			sum += m.Amount
		}
	}
	return sum
}

// InCurrency returns the balances of one currency in participant order.
func (b Balances) InCurrency(c Currency) []Balance {
	var out []Balance
	for k, m := range b {
		if k.Currency == c {
			out = append(out, Balance{Participant: k.Participant, Net: m})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant.Less(out[j].Participant) })
	return out
}

// Sorted returns every balance ordered by currency, then participant.
func (b Balances) Sorted() []Balance {
	var out []Balance
	for _, c := range b.Currencies() {
		out = append(out, b.InCurrency(c)...)
	}
	return out
}
