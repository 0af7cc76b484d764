// Package compiler compiles attacker contract source with the solc binary.
package compiler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	xerrors "ChainProbe/internal/errors"
)

// CodeCompileFailed marks source that solc rejected.
const CodeCompileFailed xerrors.Code = "COMPILE_FAILED"

func init() {
	xerrors.Register(CodeCompileFailed, xerrors.Attributes{
		Message:   "contract compilation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Output is the compiled form of one contract.
type Output struct {
	Name     string
	ABI      string
	Bytecode []byte
}

// Solc runs `solc --combined-json abi,bin -` with the source on stdin.
type Solc struct {
	path    string
	timeout time.Duration
}

// NewSolc creates a compiler that invokes the binary at path.
func NewSolc(path string, timeout time.Duration) *Solc {
	if strings.TrimSpace(path) == "" {
		path = "solc"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Solc{path: path, timeout: timeout}
}

type combinedOutput struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
}

// Compile compiles source and returns the contract called name.
func (s *Solc) Compile(ctx context.Context, source, name string) (Output, error) {
	if strings.TrimSpace(source) == "" {
		return Output{}, xerrors.New(xerrors.CodeInvalidArgument, "contract source is empty")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Output{}, xerrors.New(xerrors.CodeInvalidArgument, "contract name is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path, "--combined-json", "abi,bin", "-")
	cmd.Stdin = strings.NewReader(source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return Output{}, xerrors.New(CodeCompileFailed, strings.TrimSpace(stderr.String()))
		}
		return Output{}, xerrors.Wrap(xerrors.CodeUnavailable, err, "failed to run solc")
	}

	var out combinedOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Output{}, xerrors.Wrap(CodeCompileFailed, err, "unreadable solc output")
	}

	available := make([]string, 0, len(out.Contracts))
	for key, contract := range out.Contracts {
		contractName := key[strings.LastIndex(key, ":")+1:]
		available = append(available, contractName)
		if contractName != name {
			continue
		}
		abiJSON := string(contract.ABI)
		var asString string
		if json.Unmarshal(contract.ABI, &asString) == nil {
			abiJSON = asString
		}
		bytecode, err := decodeBin(contract.Bin)
		if err != nil {
			return Output{}, xerrors.Wrap(CodeCompileFailed, err, "invalid bytecode")
		}
		if len(bytecode) == 0 {
			return Output{}, xerrors.New(CodeCompileFailed, fmt.Sprintf("contract %s has no bytecode (abstract or interface?)", name))
		}
		return Output{Name: name, ABI: abiJSON, Bytecode: bytecode}, nil
	}

	sort.Strings(available)
	return Output{}, xerrors.New(CodeCompileFailed,
		fmt.Sprintf("contract %s not found in compiled output (have: %s)", name, strings.Join(available, ", ")))
}

func decodeBin(bin string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(bin), "0x"))
}
