package canonical

import (
	"net/url"
	"testing"
)

func TestParamsNil(t *testing.T) {
	if got := Params(nil); got != "" {
		t.Errorf("Expected empty string for nil, got %q", got)
	}
}

func TestParamsURLValuesSorted(t *testing.T) {
	vals := url.Values{
		"symbols": {"AAPL", "MSFT"},
		"limit":   {"10"},
		"status":  {"open"},
	}
	want := "limit=10&status=open&symbols=AAPL,MSFT"
	if got := Params(vals); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestParamsEmptyValues(t *testing.T) {
	if got := Params(url.Values{}); got != "" {
		t.Errorf("Expected empty string for empty values, got %q", got)
	}
}

func TestParamsMapDeterministic(t *testing.T) {
	a := Params(map[string]interface{}{"b": 2, "a": 1, "c": map[string]int{"y": 2, "x": 1}})
	b := Params(map[string]interface{}{"c": map[string]int{"x": 1, "y": 2}, "a": 1, "b": 2})
	if a != b {
		t.Errorf("Expected identical serialization, got %q and %q", a, b)
	}
	if a == "" {
		t.Error("Expected non-empty serialization")
	}
}

func TestParamsUnmarshalableFallsBack(t *testing.T) {
	if got := Params(make(chan int)); got != "" {
		t.Errorf("Expected empty string for unmarshalable value, got %q", got)
	}
}
