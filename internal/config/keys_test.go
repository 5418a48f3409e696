package config

import "testing"

func TestSnakeCamelRoundTrip(t *testing.T) {
	keys := []string{
		"maxTokens",
		"maxToolIterations",
		"memoryScope",
		"toolErrorBackoff",
		"model",
		"trustedSessionOverrideChannels",
	}
	for _, k := range keys {
		if got := SnakeToCamel(CamelToSnake(k)); got != k {
			t.Errorf("round trip %q = %q", k, got)
		}
	}
}

func TestCamelToSnake(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"maxTokens", "max_tokens"},
		{"model", "model"},
		{"autoTuneMaxTokens", "auto_tune_max_tokens"},
	}
	for _, tt := range tests {
		if got := CamelToSnake(tt.in); got != tt.want {
			t.Errorf("CamelToSnake(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
