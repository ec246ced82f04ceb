// Package sats provides fixed-point Bitcoin amount parsing and formatting.
//
// Amounts are stored as int64 satoshis (1 BTC = 100,000,000 sats). Decimal
// strings only appear at the API and payment provider boundary.
package sats

import (
	"math"
	"strconv"
	"strings"
)

const (
	Decimals = 8
	PerBTC   = 100_000_000
)

// Parse converts a BTC decimal string (e.g. "0.0005") to satoshis (50000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 8 fractional digits are rejected rather than truncated
//   - Values that overflow int64 are rejected
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return 0, false
	}
	if whole == "" && (!hasDot || frac == "") {
		return 0, false
	}
	if len(frac) > Decimals {
		return 0, false
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, false
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > math.MaxInt64/PerBTC {
		return 0, false
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	total := w*PerBTC + f
	if total < 0 {
		return 0, false
	}
	return total, true
}

// Format converts satoshis to a BTC string with exactly 8 decimal places
// (e.g. 50000 -> "0.00050000").
func Format(amount int64) string {
	neg := amount < 0
	var u uint64
	if neg {
		u = uint64(-(amount + 1)) + 1
	} else {
		u = uint64(amount)
	}
	s := strconv.FormatUint(u, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// FromFloat converts a JSON-decoded BTC amount to satoshis by formatting it
// with 8 decimals first, so 0.0005 becomes exactly 50000.
func FromFloat(btc float64) (int64, bool) {
	if math.IsNaN(btc) || math.IsInf(btc, 0) || btc < 0 {
		return 0, false
	}
	return Parse(strconv.FormatFloat(btc, 'f', Decimals, 64))
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
