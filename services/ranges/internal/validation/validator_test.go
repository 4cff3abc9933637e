package validation

import (
	"testing"
)

func hasField(errs ValidationErrors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidateCreate(t *testing.T) {
	in, errs := ValidateCreate([]byte(`{"minAmount":0,"maxAmount":"100","fee":1.5}`), "fee")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if in.MinAmount.String() != "0" || in.MaxAmount.String() != "100" || in.Value.String() != "1.5" {
		t.Fatalf("unexpected input %+v", in)
	}
}

func TestValidateCreateErrors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"not an object", `[1,2]`, FieldBody},
		{"missing value", `{"minAmount":0,"maxAmount":10}`, "rate"},
		{"negative min", `{"minAmount":-1,"maxAmount":10,"rate":1}`, FieldMinAmount},
		{"max not above min", `{"minAmount":10,"maxAmount":10,"rate":1}`, FieldMaxAmount},
		{"zero value", `{"minAmount":0,"maxAmount":10,"rate":0}`, "rate"},
		{"not a number", `{"minAmount":"abc","maxAmount":10,"rate":1}`, FieldMinAmount},
		{"null", `{"minAmount":null,"maxAmount":10,"rate":1}`, FieldMinAmount},
		{"wrong value field", `{"minAmount":0,"maxAmount":10,"fee":1}`, "fee"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, errs := ValidateCreate([]byte(tc.body), "rate")
			if !hasField(errs, tc.field) {
				t.Fatalf("expected error on %q, got %+v", tc.field, errs)
			}
		})
	}
}

func TestValidateUpdate(t *testing.T) {
	in, errs := ValidateUpdate([]byte(`{"fee":2}`), "fee")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if in.MinAmount != nil || in.MaxAmount != nil || in.Value == nil {
		t.Fatalf("expected only value, got %+v", in)
	}

	_, errs = ValidateUpdate([]byte(`{}`), "fee")
	if !hasField(errs, FieldBody) {
		t.Fatalf("expected empty body error, got %+v", errs)
	}

	_, errs = ValidateUpdate([]byte(`{"maxAmount":0}`), "fee")
	if !hasField(errs, FieldMaxAmount) {
		t.Fatalf("expected maxAmount error, got %+v", errs)
	}

	_, errs = ValidateUpdate([]byte(`{"minAmount":50,"maxAmount":20}`), "fee")
	if !hasField(errs, FieldMaxAmount) {
		t.Fatalf("expected ordering error, got %+v", errs)
	}
}

func TestParseAmount(t *testing.T) {
	if v, errs := ParseAmount(" 150.25 "); len(errs) > 0 || v.String() != "150.25" {
		t.Fatalf("unexpected result %s %+v", v, errs)
	}
	for _, raw := range []string{"", "abc", "0", "-3"} {
		if _, errs := ParseAmount(raw); !hasField(errs, FieldAmount) {
			t.Fatalf("expected amount error for %q", raw)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, errs := ParseID("42"); len(errs) > 0 || id != 42 {
		t.Fatalf("unexpected result %d %+v", id, errs)
	}
	for _, raw := range []string{"", "abc", "0", "-1", "1.5"} {
		if _, errs := ParseID(raw); !hasField(errs, FieldID) {
			t.Fatalf("expected id error for %q", raw)
		}
	}
}
