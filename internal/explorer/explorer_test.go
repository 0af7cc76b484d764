package explorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "ChainProbe/internal/errors"
)

const verified = "0x00000000000000000000000000000000000000aa"

func newServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		q := r.URL.Query()
		if q.Get("apikey") != "k" || q.Get("chainid") != "11155111" {
			t.Errorf("missing api key or chain id: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		if !strings.EqualFold(q.Get("address"), verified) {
			_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Contract source code not verified"}`))
			return
		}
		switch q.Get("action") {
		case "getabi":
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":"[{\"type\":\"function\",\"name\":\"withdraw\"}]"}`))
		case "getsourcecode":
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":[{"ContractName":"Vault","SourceCode":"contract Vault {}","ABI":"[]"}]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestABIIsIdempotent(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	client := New(Config{BaseURL: srv.URL, APIKey: "k", ChainID: 11155111})

	first, err := client.ABI(context.Background(), verified)
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	second, err := client.ABI(context.Background(), verified)
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	if first != second || first == "" {
		t.Fatalf("expected identical results, got %q and %q", first, second)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("calls must not be cached, got %d hits", hits)
	}
}

func TestSourceCode(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	client := New(Config{BaseURL: srv.URL, APIKey: "k", ChainID: 11155111})

	src, err := client.SourceCode(context.Background(), verified)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if src != "contract Vault {}" {
		t.Fatalf("unexpected source %q", src)
	}
}

func TestUnverifiedContract(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	client := New(Config{BaseURL: srv.URL, APIKey: "k", ChainID: 11155111})

	_, err := client.ABI(context.Background(), "0x00000000000000000000000000000000000000bb")
	if !xerrors.HasCode(err, CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.ABI(context.Background(), "nope"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
