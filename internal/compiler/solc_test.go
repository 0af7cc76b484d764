package compiler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	xerrors "ChainProbe/internal/errors"
)

func fakeSolc(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "solc")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestCompilePicksNamedContract(t *testing.T) {
	path := fakeSolc(t, `cat >/dev/null
echo '{"contracts":{"<stdin>:Helper":{"abi":[],"bin":""},"<stdin>:Malicious":{"abi":[{"type":"function","name":"attack","inputs":[],"outputs":[],"stateMutability":"payable"}],"bin":"6080604052"}}}'
`)
	out, err := NewSolc(path, 5*time.Second).Compile(context.Background(), "contract Malicious {}", "Malicious")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if out.Name != "Malicious" || len(out.Bytecode) != 5 {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.ABI == "" || out.ABI[0] != '[' {
		t.Fatalf("unexpected abi %q", out.ABI)
	}
}

func TestCompileReportsMissingContract(t *testing.T) {
	path := fakeSolc(t, `cat >/dev/null
echo '{"contracts":{"<stdin>:Other":{"abi":"[]","bin":"00"}}}'
`)
	_, err := NewSolc(path, 5*time.Second).Compile(context.Background(), "contract Other {}", "Malicious")
	if !xerrors.HasCode(err, CodeCompileFailed) {
		t.Fatalf("expected compile failure, got %v", err)
	}
}

func TestCompileSurfacesSolcErrors(t *testing.T) {
	path := fakeSolc(t, `cat >/dev/null
echo "Error: Expected ';' but got '}'" >&2
exit 1
`)
	_, err := NewSolc(path, 5*time.Second).Compile(context.Background(), "contract X {", "X")
	if !xerrors.HasCode(err, CodeCompileFailed) {
		t.Fatalf("expected compile failure, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Message() != "Error: Expected ';' but got '}'" {
		t.Fatalf("unexpected message %q", e.Message())
	}
}

func TestCompileValidatesInput(t *testing.T) {
	if _, err := NewSolc("", 0).Compile(context.Background(), "", "X"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
