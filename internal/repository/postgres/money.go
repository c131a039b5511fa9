package postgres

import "github.com/cassiomorais/outbox/internal/domain/order"

// numericStringToCents reads a NUMERIC(19,2) text value.
func numericStringToCents(s string) (int64, error) {
	return order.ParseCents(s)
}

func centsToNumericString(cents int64) string {
	return order.FormatCents(cents)
}
