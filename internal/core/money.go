// Package core provides money formatting utilities.
//
// This file contains the currency symbols and the formatting used by every
// view that renders an amount in the user's selected currency.
package core

import (
	"strconv"
	"strings"
)

// Money is an amount in minor units (cents, kopecks).
type Money struct {
	Cents int64
}

// groupSeparator matches the ru-RU number format used by the dashboard.
const groupSeparator = "\u00a0"

var currencySymbols = map[Currency]string{
	CurrencyUSD: "$",
	CurrencyRUB: "₽",
	CurrencyEUR: "€",
}

// Symbol returns the display symbol of the currency.
func (c Currency) Symbol() string {
	if s, ok := currencySymbols[c]; ok {
		return s
	}
	return string(c)
}

// FromUnits builds a Money from whole units, e.g. FromUnits(12450) is 12450.00.
func FromUnits(units int64) Money {
	return Money{Cents: units * 100}
}

// FormatCurrency formats the absolute value of m with the currency symbol.
//
// Examples:
//   FormatCurrency(Money{Cents: 1245000}, CurrencyUSD) -> "$12\u00a0450,00"
//   FormatCurrency(Money{Cents: -2550}, CurrencyEUR)   -> "€25,50"
func FormatCurrency(m Money, c Currency) string {
	// uint64 holds the magnitude of math.MinInt64, which int64 cannot.
	cents := uint64(m.Cents)
	if m.Cents < 0 {
		cents = -cents
	}
	units := strconv.FormatUint(cents/100, 10)
	frac := cents % 100

	var b strings.Builder
	b.WriteString(c.Symbol())
	b.WriteString(groupThousands(units))
	b.WriteByte(',')
	if frac < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.FormatUint(frac, 10))
	return b.String()
}

// FormatCurrencyWithSign prefixes "+" for income and "-" otherwise.
func FormatCurrencyWithSign(m Money, c Currency, isIncome bool) string {
	sign := "-"
	if isIncome {
		sign = "+"
	}
	return sign + FormatCurrency(m, c)
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(groupSeparator)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
