package keys

import (
	"encoding/json"
	"testing"
)

func TestNullableDistinguishesAbsentAndNull(t *testing.T) {
	type payload struct {
		Name    Nullable[string] `json:"name"`
		Expires Nullable[int64]  `json:"expires"`
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"name": null}`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if !p.Name.Defined {
		t.Fatal("explicit null must mark the field as defined")
	}
	if p.Name.Value != nil {
		t.Fatalf("explicit null value = %v, want nil", p.Name.Value)
	}
	if p.Expires.Defined {
		t.Fatal("absent field must stay undefined")
	}
}

func TestNullableCarriesValue(t *testing.T) {
	type payload struct {
		Expires Nullable[int64] `json:"expires"`
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"expires": 1700000000000}`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if !p.Expires.Defined || p.Expires.Value == nil {
		t.Fatal("value field must be defined and non-nil")
	}
	if *p.Expires.Value != 1700000000000 {
		t.Fatalf("value = %d, want 1700000000000", *p.Expires.Value)
	}
}

func TestNullableHelpers(t *testing.T) {
	set := Set("hello")
	if !set.Defined || set.Value == nil || *set.Value != "hello" {
		t.Fatalf("Set = %+v", set)
	}

	null := Null[string]()
	if !null.Defined || null.Value != nil {
		t.Fatalf("Null = %+v", null)
	}

	var zero Nullable[string]
	if zero.Defined {
		t.Fatal("zero value must be undefined")
	}
}
