package domain

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits the settlement network accepts.
const AmountScale = 7

var assetCodePattern = regexp.MustCompile(`^[A-Z0-9]{2,12}$`)

// ParseAmount parses a positive decimal payout amount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, NewValidationError("amount", "is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, NewValidationError("amount", "must be a decimal number")
	}
	return amount, ValidateAmount(amount)
}

// ValidateAmount checks that amount is positive and representable on the network.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return NewValidationError("amount", "supports at most 7 decimal places")
	}
	return nil
}

// CanonicalAmount renders amount without trailing zeros so equal values encode identically.
func CanonicalAmount(amount decimal.Decimal) string {
	return amount.String()
}

// NormalizeAsset upper-cases an asset code and validates its shape.
func NormalizeAsset(raw string) (string, error) {
	asset := strings.ToUpper(strings.TrimSpace(raw))
	if asset == "" {
		return "", NewValidationError("asset", "is required")
	}
	if !assetCodePattern.MatchString(asset) {
		return "", NewValidationError("asset", "must be 2-12 alphanumeric characters")
	}
	return asset, nil
}
