package dto

import (
	"html"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxAmountScale is the most decimal places an amount may carry.
const MaxAmountScale = 18

var (
	safeStringRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)
	currencyRe   = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("safe_id", validateSafeID)
		_ = v.RegisterValidation("amount", validateAmount)
		_ = v.RegisterValidation("currency", validateCurrency)
	}
}

// validateSafeID allows alphanumeric, underscore, dash, and dot.
func validateSafeID(fl validator.FieldLevel) bool {
	return safeStringRe.MatchString(fl.Field().String())
}

// validateAmount accepts positive decimal strings with at most MaxAmountScale places.
func validateAmount(fl validator.FieldLevel) bool {
	return ValidAmount(fl.Field().String())
}

// validateCurrency accepts fiat ISO codes and token symbols: upper-case, 2 to 10 chars.
func validateCurrency(fl validator.FieldLevel) bool {
	return currencyRe.MatchString(fl.Field().String())
}

// ValidAmount reports whether s is a positive decimal within scale.
func ValidAmount(s string) bool {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return false
	}
	return -d.Exponent() <= MaxAmountScale
}

// SanitizeStruct trims whitespace and HTML-escapes every exported string
// field (including *string) of a struct pointer.
func SanitizeStruct(v interface{}) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return
	}
	sanitizeFields(rv.Elem())
}

func sanitizeFields(rv reflect.Value) {
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Field(i)
		if !f.CanSet() {
			continue
		}
		switch f.Kind() {
		case reflect.String:
			f.SetString(sanitize(f.String()))
		case reflect.Ptr:
			if f.IsNil() {
				continue
			}
			if elem := f.Elem(); elem.Kind() == reflect.String {
				elem.SetString(sanitize(elem.String()))
			}
		}
	}
}

func sanitize(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}
