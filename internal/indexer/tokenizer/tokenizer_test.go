package tokenizer

import (
	"reflect"
	"strings"
	"testing"
)

func TestTerms(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"", []string{}},
		{"The cat and the hat", []string{"cat", "hat"}},
		{"Running runners ran", []string{"runn", "runner", "ran"}},
		{"rate-limiting, x, 42", []string{"rate", "limit", "42"}},
	}
	for _, tc := range tests {
		if got := Terms(tc.text); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Terms(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestAnalyze(t *testing.T) {
	terms, freqs, length := Analyze("zebra apple zebra the zebra apple mango")
	if !reflect.DeepEqual(terms, []string{"apple", "mango", "zebra"}) {
		t.Fatalf("unexpected terms %q", terms)
	}
	if !reflect.DeepEqual(freqs, []int{2, 1, 3}) {
		t.Fatalf("unexpected frequencies %v", freqs)
	}
	if length != 6 {
		t.Fatalf("expected length 6, got %d", length)
	}
}

var benchTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"long": strings.Repeat(`Each batch of documents is accumulated in memory, written as an
		immutable segment and merged with its neighbours once a level holds enough
		segments. Postings are grouped into blocks with skip entries. `, 20),
}

func BenchmarkAnalyze(b *testing.B) {
	for name, text := range benchTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				Analyze(text)
			}
		})
	}
}
