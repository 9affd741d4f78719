package intercept

import (
	"reflect"
	"testing"
)

func TestSanitizeArgs(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "short_string", in: "hello", want: "hello"},
		{name: "long_string", in: "abcdefghij", want: "abcde" + truncatedSuffix},
		{name: "number", in: 42, want: float64(42)},
		{
			name: "nested_secrets",
			in: map[string]any{
				"Authorization": "Bearer abc",
				"refresh-token": "r",
				"options":       map[string]any{"client_secret": "s", "limit": 5},
				"items":         []any{"abcdefghijk", true},
			},
			want: map[string]any{
				"Authorization": redactedValue,
				"refresh-token": redactedValue,
				"options":       map[string]any{"client_secret": redactedValue, "limit": float64(5)},
				"items":         []any{"abcde" + truncatedSuffix, true},
			},
		},
		{name: "unicode", in: "ééééééé", want: "ééééé" + truncatedSuffix},
		{name: "unmarshalable", in: make(chan int), want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeArgs(tc.in, 5)
			if tc.name == "unmarshalable" {
				if _, ok := got.(string); !ok {
					t.Fatalf("expected string fallback, got %#v", got)
				}
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("sanitizeArgs = %#v want %#v", got, tc.want)
			}
		})
	}
}
