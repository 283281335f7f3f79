package core

// CategoryTotal is the spend of one category in one currency.
type CategoryTotal struct {
	Category string
	Total    Money
}

// SpendingSummary totals a household's expenses by category.
type SpendingSummary struct {
	HouseholdID int64
	ByCategory  []CategoryTotal
	// Totals holds one entry per currency.
	Totals []Money
}
