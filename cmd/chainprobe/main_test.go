package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ChainProbe/internal/wallet"
	"ChainProbe/sdk/go/chainprobe"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWalletsCreateWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	out, err := execute(t, "wallets", "create", "-n", "2", "-o", path)
	if err != nil {
		t.Fatalf("wallets create: %v", err)
	}
	wallets, err := wallet.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(wallets) != 2 || !strings.Contains(out, wallets[1].Address) {
		t.Fatalf("unexpected output %q for %+v", out, wallets)
	}
}

func TestRunRejectsInvalidAddress(t *testing.T) {
	if _, err := execute(t, "run", "not-an-address"); err == nil || !strings.Contains(err.Error(), "无效的合约地址") {
		t.Fatalf("expected address validation error, got %v", err)
	}
}

func TestSubmitAndStatusUseServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t0ken" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/runs":
			var sub chainprobe.Submission
			_ = json.NewDecoder(r.Body).Decode(&sub)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(chainprobe.Run{ID: "r1", Target: sub.Target, Chain: sub.Chain, Status: chainprobe.StatusPending})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/runs":
			if r.URL.Query().Get("chain") != "sepolia" || r.URL.Query().Get("status") != "failed" {
				t.Errorf("unexpected list query %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"runs":  []chainprobe.Run{{ID: "r1", Chain: "sepolia", Status: chainprobe.StatusFailed, Target: "0xaa"}},
				"count": 1,
			})
		case r.URL.Path == "/api/v1/runs/r1/report":
			_ = json.NewEncoder(w).Encode(chainprobe.Report{RunID: "r1", Content: "| issue | where | fix |"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "submit", "0x00000000000000000000000000000000000000aa",
		"--chain", "sepolia", "--server", srv.URL, "--token", "t0ken")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var run chainprobe.Run
	if err := json.Unmarshal([]byte(out), &run); err != nil || run.ID != "r1" || run.Chain != "sepolia" {
		t.Fatalf("unexpected submit output %q (%v)", out, err)
	}

	out, err = execute(t, "status", "r1", "--report", "--server", srv.URL, "--token", "t0ken")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(out) != "| issue | where | fix |" {
		t.Fatalf("unexpected report %q", out)
	}

	out, err = execute(t, "runs", "--chain", "sepolia", "--status", "failed", "--server", srv.URL, "--token", "t0ken")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if strings.TrimSpace(out) != "r1\tfailed\tsepolia\t0xaa" {
		t.Fatalf("unexpected runs output %q", out)
	}
}
