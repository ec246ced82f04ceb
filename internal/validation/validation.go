// Package validation provides request validation helpers for the HTTP API.
package validation

import (
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/holdpay/holdpay/internal/sats"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// legacy P2PKH/P2SH (mainnet 1/3, testnet m/n/2)
	base58AddressRegex = regexp.MustCompile(`^[13mn2][a-km-zA-HJ-NP-Z1-9]{25,34}$`)
	// segwit/taproot bech32 (mainnet, testnet, regtest)
	bech32AddressRegex = regexp.MustCompile(`^(bc|tb|bcrt)1[ac-hj-np-z02-9]{8,87}$`)
	// BOLT11 payment request
	lightningInvoiceRegex = regexp.MustCompile(`^ln(bc|tb|bcrt)[0-9a-z]+$`)
	// prefixed opaque ids: ord_, dsp_, usr_
	resourceIDRegex = regexp.MustCompile(`^[a-z]{3}_[a-zA-Z0-9]{6,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidBTCAddress checks for a syntactically valid on-chain Bitcoin address.
// Checksums are left to the payment provider.
func IsValidBTCAddress(addr string) bool {
	if base58AddressRegex.MatchString(addr) {
		return true
	}
	return bech32AddressRegex.MatchString(strings.ToLower(addr)) &&
		(addr == strings.ToLower(addr) || addr == strings.ToUpper(addr))
}

// IsValidLightningInvoice checks for a BOLT11-looking payment request.
func IsValidLightningInvoice(pr string) bool {
	return lightningInvoiceRegex.MatchString(strings.ToLower(strings.TrimPrefix(pr, "lightning:")))
}

// IsValidResourceID checks a prefixed opaque identifier.
func IsValidResourceID(id string) bool {
	return resourceIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips NUL bytes and caps length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum length of %d", max)}
		}
		return nil
	}
}

// OneOf checks that a non-empty value is in the allowed set.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// ValidAmount checks that a BTC decimal string is a positive amount with at
// most 8 decimal places.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := sats.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format (BTC, up to 8 decimals)"}
		}
		if v <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ValidBTCAddress checks an optional on-chain payout address.
func ValidBTCAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidBTCAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Bitcoin address"}
		}
		return nil
	}
}

// ValidLightningInvoice checks an optional BOLT11 payment request.
func ValidLightningInvoice(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidLightningInvoice(value) {
			return &ValidationError{Field: field, Message: "must be a Lightning payment request (ln...)"}
		}
		return nil
	}
}

// ValidEmail checks an optional email address.
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if a, err := mail.ParseAddress(value); err != nil || a.Address != value {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// Coordinates checks a latitude/longitude pair.
func Coordinates(lat, lng float64) func() *ValidationError {
	return func() *ValidationError {
		if lat < -90 || lat > 90 {
			return &ValidationError{Field: "lat", Message: "must be between -90 and 90"}
		}
		if lng < -180 || lng > 180 {
			return &ValidationError{Field: "lng", Message: "must be between -180 and 180"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :id path parameters early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidResourceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "validation_error",
				"message": "id is not a valid identifier",
			})
			return
		}
		c.Next()
	}
}
