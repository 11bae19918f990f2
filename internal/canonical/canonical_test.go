package canonical

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	input := map[string]any{
		"zeta": map[string]any{
			"b": json.Number("2"),
			"a": json.Number("1"),
		},
		"alpha": []any{"x", "y"},
	}
	got, err := Marshal(input)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"alpha":["x","y"],"zeta":{"a":1,"b":2}}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n got %s\nwant %s", got, want)
	}
}

func TestMarshalEdgeCases(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  string
	}{
		{"empty object", map[string]any{}, "{}"},
		{"empty array", []any{}, "[]"},
		{"null literal", map[string]any{"a": nil}, `{"a":null}`},
		{"absent key omitted", map[string]any{"a": Absent, "b": true}, `{"b":true}`},
		{"no html escaping", map[string]any{"q": "<a&b>"}, `{"q":"<a&b>"}`},
		{"integral float", map[string]any{"n": float64(42)}, `{"n":42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestBuildSigningStringLayout(t *testing.T) {
	signing, err := BuildSigningString(Request{
		Wallet:      "0xAbCd000000000000000000000000000000000001",
		ChainID:     "11155111",
		Verifiers:   []string{"nft-ownership", "ownership-basic"},
		Data:        map[string]any{"nft-ownership": map[string]any{"contract": "0x1"}, "ownership-basic": map[string]any{"content": "c"}},
		TimestampMs: 1700000000123,
	})
	if err != nil {
		t.Fatalf("build signing string: %v", err)
	}
	lines := strings.Split(signing, "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), signing)
	}
	if lines[0] != Header {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if lines[1] != "Wallet: 0xabcd000000000000000000000000000000000001" {
		t.Fatalf("wallet line not lowercased: %q", lines[1])
	}
	if lines[3] != "Verifiers: nft-ownership,ownership-basic" {
		t.Fatalf("verifier order not preserved: %q", lines[3])
	}
	if lines[5] != "Timestamp: 1700000000123" {
		t.Fatalf("unexpected timestamp line: %q", lines[5])
	}
}

func TestSigningStringDeterminism(t *testing.T) {
	// 两次独立构造（包括一次走 JSON 往返）必须得到逐字节一致的结果。
	req := Request{
		Wallet:      "0x00000000000000000000000000000000000000AA",
		ChainID:     "1",
		Verifiers:   []string{"token-balance"},
		Data:        map[string]any{"token-balance": map[string]any{"min": json.Number("100"), "contract": "0x2"}},
		TimestampMs: 1700000000001,
	}
	first, err := BuildSigningString(req)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	raw, err := json.Marshal(map[string]any{"token-balance": map[string]any{"contract": "0x2", "min": 100}})
	if err != nil {
		t.Fatalf("round trip marshal: %v", err)
	}
	decoded, err := DecodeData(raw)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	req.Data = decoded
	second, err := BuildSigningString(req)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first != second {
		t.Fatalf("signing strings diverged:\n%s\n---\n%s", first, second)
	}
	if QHash(first) != QHash(second) {
		t.Fatalf("qHash diverged for identical signing strings")
	}
}

func TestQHashShape(t *testing.T) {
	hash := QHash("sample input")
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		t.Fatalf("unexpected qHash shape: %q", hash)
	}
	if hash != QHash("sample input") {
		t.Fatalf("qHash is not stable")
	}
}
