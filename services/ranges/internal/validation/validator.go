package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	FieldMinAmount = "minAmount"
	FieldMaxAmount = "maxAmount"
	FieldAmount    = "amount"
	FieldID        = "id"
	FieldBody      = "body"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

// RangeInput holds the fields present in a create or update body. Absent
// fields stay nil.
type RangeInput struct {
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Value     *decimal.Decimal
}

func (in RangeInput) Empty() bool {
	return in.MinAmount == nil && in.MaxAmount == nil && in.Value == nil
}

// ValidateCreate requires every field and the full set of range rules.
func ValidateCreate(body []byte, valueField string) (RangeInput, ValidationErrors) {
	in, errs := decodeRange(body, valueField)
	if len(errs) > 0 {
		return RangeInput{}, errs
	}

	if in.MinAmount == nil {
		errs = append(errs, FieldError{Field: FieldMinAmount, Message: FieldMinAmount + " is required"})
	}
	if in.MaxAmount == nil {
		errs = append(errs, FieldError{Field: FieldMaxAmount, Message: FieldMaxAmount + " is required"})
	}
	if in.Value == nil {
		errs = append(errs, FieldError{Field: valueField, Message: valueField + " is required"})
	}
	errs = append(errs, checkRules(in, valueField)...)
	if len(errs) > 0 {
		return RangeInput{}, errs
	}
	return in, nil
}

// ValidateUpdate checks the fields that are present. Rules that need both
// bounds only apply when both are supplied; the engine re-checks the merged
// row.
func ValidateUpdate(body []byte, valueField string) (RangeInput, ValidationErrors) {
	in, errs := decodeRange(body, valueField)
	if len(errs) > 0 {
		return RangeInput{}, errs
	}
	if in.Empty() {
		return RangeInput{}, ValidationErrors{{Field: FieldBody, Message: "at least one field required"}}
	}
	if in.MaxAmount != nil && !in.MaxAmount.IsPositive() {
		errs = append(errs, FieldError{Field: FieldMaxAmount, Message: FieldMaxAmount + " must be positive"})
	}
	errs = append(errs, checkRules(in, valueField)...)
	if len(errs) > 0 {
		return RangeInput{}, errs
	}
	return in, nil
}

func ParseAmount(raw string) (decimal.Decimal, ValidationErrors) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, ValidationErrors{{Field: FieldAmount, Message: "amount is required"}}
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ValidationErrors{{Field: FieldAmount, Message: "amount must be a number"}}
	}
	if !val.IsPositive() {
		return decimal.Zero, ValidationErrors{{Field: FieldAmount, Message: "amount must be positive"}}
	}
	return val, nil
}

func ParseID(raw string) (int64, ValidationErrors) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ValidationErrors{{Field: FieldID, Message: "id must be a positive integer"}}
	}
	return id, nil
}

func checkRules(in RangeInput, valueField string) ValidationErrors {
	var errs ValidationErrors
	if in.MinAmount != nil && in.MinAmount.IsNegative() {
		errs = append(errs, FieldError{Field: FieldMinAmount, Message: FieldMinAmount + " must be greater than or equal to 0"})
	}
	if in.MinAmount != nil && in.MaxAmount != nil && in.MaxAmount.LessThanOrEqual(*in.MinAmount) {
		errs = append(errs, FieldError{Field: FieldMaxAmount, Message: FieldMaxAmount + " must be greater than " + FieldMinAmount})
	}
	if in.Value != nil && !in.Value.IsPositive() {
		errs = append(errs, FieldError{Field: valueField, Message: valueField + " must be positive"})
	}
	return errs
}

func decodeRange(body []byte, valueField string) (RangeInput, ValidationErrors) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return RangeInput{}, ValidationErrors{{Field: FieldBody, Message: "body must be a JSON object"}}
	}

	var (
		in   RangeInput
		errs ValidationErrors
	)
	known := map[string]**decimal.Decimal{
		FieldMinAmount: &in.MinAmount,
		FieldMaxAmount: &in.MaxAmount,
		valueField:     &in.Value,
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		dst, ok := known[key]
		if !ok {
			errs = append(errs, FieldError{Field: key, Message: key + " is not allowed"})
			continue
		}
		val, err := parseNumber(raw[key])
		if err != nil {
			errs = append(errs, FieldError{Field: key, Message: key + " must be a number"})
			continue
		}
		*dst = &val
	}
	return in, errs
}

// parseNumber accepts a JSON number or a string holding one.
func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, fmt.Errorf("missing number")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Zero, err
		}
		text = strings.TrimSpace(text)
	}
	return decimal.NewFromString(text)
}
