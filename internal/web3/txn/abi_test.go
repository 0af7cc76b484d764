package txn

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const vaultABI = `[
  {"type":"function","name":"deposit","inputs":[],"outputs":[],"stateMutability":"payable"},
  {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"setFlags","inputs":[{"name":"flags","type":"uint8[]"},{"name":"tag","type":"bytes4"},{"name":"on","type":"bool"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

func TestPackCallCoercesJSONArguments(t *testing.T) {
	contract, err := ParseABI(vaultABI)
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}

	var args []any
	dec := json.NewDecoder(strings.NewReader(`["0x00000000000000000000000000000000000000aa", 1000000000000000000000]`))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, method, err := PackCall(contract, "transfer", args)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if method.Name != "transfer" || len(data) != 4+64 {
		t.Fatalf("unexpected packing %s %d", method.Name, len(data))
	}

	if _, _, err := PackCall(contract, "setFlags", []any{[]any{"1", float64(2)}, "0xdeadbeef", "true"}); err != nil {
		t.Fatalf("pack setFlags: %v", err)
	}
}

func TestPackCallRejectsBadArguments(t *testing.T) {
	contract, err := ParseABI(vaultABI)
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	cases := map[string][]any{
		"bad address": {"not-an-address", "1"},
		"negative":    {"0x00000000000000000000000000000000000000aa", "-1"},
		"fraction":    {"0x00000000000000000000000000000000000000aa", 1.5},
		"arity":       {"0x00000000000000000000000000000000000000aa"},
	}
	for name, args := range cases {
		if _, _, err := PackCall(contract, "transfer", args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, _, err := PackCall(contract, "missing", nil); err == nil {
		t.Fatalf("expected error for unknown function")
	}
	if _, _, err := PackCall(contract, "setFlags", []any{[]any{"300"}, "0x01", true}); err == nil {
		t.Fatalf("expected uint8 overflow error")
	}
}

func TestCoerceSignedRange(t *testing.T) {
	pow := func(n uint) *big.Int { return new(big.Int).Lsh(big.NewInt(1), n) }
	minus := func(a *big.Int, b int64) string { return new(big.Int).Sub(a, big.NewInt(b)).String() }
	neg := func(a *big.Int) *big.Int { return new(big.Int).Neg(a) }

	cases := []struct {
		typ   string
		value string
		ok    bool
	}{
		{"int256", pow(255).String(), false},
		{"int256", minus(pow(255), 1), true},
		{"int256", neg(pow(255)).String(), true},
		{"int256", minus(neg(pow(255)), 1), false},
		{"int72", pow(71).String(), false},
		{"int72", neg(pow(71)).String(), true},
		{"int8", "127", true},
		{"int8", "128", false},
		{"int8", "-128", true},
		{"uint256", pow(255).String(), true},
		{"uint256", pow(256).String(), false},
	}
	for _, tc := range cases {
		typ, err := abi.NewType(tc.typ, "", nil)
		if err != nil {
			t.Fatalf("new type %s: %v", tc.typ, err)
		}
		_, err = coerce(typ, tc.value)
		if (err == nil) != tc.ok {
			t.Fatalf("coerce %s(%s): ok=%v, err=%v", tc.typ, tc.value, tc.ok, err)
		}
	}
}

func TestFormatValues(t *testing.T) {
	out := FormatValues([]any{big.NewInt(42), common.HexToAddress("0x01"), [4]byte{0xde, 0xad, 0xbe, 0xef}, true, uint8(7)})
	if out[0] != "42" || out[1] != common.HexToAddress("0x01").Hex() || out[2] != "0xdeadbeef" || out[3] != true || out[4] != "7" {
		t.Fatalf("unexpected formatting %#v", out)
	}
}

func TestParseBigInt(t *testing.T) {
	for in, want := range map[any]string{"0x10": "16", "5000": "5000", json.Number("7"): "7", float64(3): "3"} {
		got, err := ParseBigInt(in)
		if err != nil || got.String() != want {
			t.Fatalf("ParseBigInt(%v) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseBigInt(nil); err == nil {
		t.Fatalf("expected error for nil")
	}
}
