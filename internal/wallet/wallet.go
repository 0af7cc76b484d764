// Package wallet creates, stores and loads the signing accounts used by the
// transaction executor.
package wallet

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"ChainProbe/internal/web3/txn"
)

// Wallet is one account as stored in agents.json.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// Generate creates n fresh random accounts.
func Generate(n int) ([]Wallet, error) {
	if n <= 0 {
		return nil, errors.New("钱包数量必须大于 0")
	}
	wallets := make([]Wallet, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("生成私钥失败: %w", err)
		}
		wallets = append(wallets, Wallet{
			Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
			PrivateKey: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		})
	}
	return wallets, nil
}

// SaveFile writes wallets as indented JSON with owner-only permissions.
func SaveFile(path string, wallets []Wallet) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("钱包文件路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建钱包目录失败: %w", err)
	}
	content, err := json.MarshalIndent(wallets, "", "    ")
	if err != nil {
		return fmt.Errorf("序列化钱包失败: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("写入钱包文件失败: %w", err)
	}
	return nil
}

// LoadFile reads a wallet file and verifies every address matches its key.
func LoadFile(path string) ([]Wallet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取钱包文件失败: %w", err)
	}
	var wallets []Wallet
	if err := json.Unmarshal(content, &wallets); err != nil {
		return nil, fmt.Errorf("解析钱包文件失败: %w", err)
	}
	for i, w := range wallets {
		signer, err := w.Signer()
		if err != nil {
			return nil, fmt.Errorf("第 %d 个钱包无效: %w", i+1, err)
		}
		if w.Address != "" && !strings.EqualFold(signer.Address().Hex(), w.Address) {
			return nil, fmt.Errorf("第 %d 个钱包地址与私钥不匹配", i+1)
		}
	}
	return wallets, nil
}

// Signer returns a transaction signer for the wallet key.
func (w Wallet) Signer() (*txn.KeySigner, error) {
	return txn.KeySignerFromHex(w.PrivateKey)
}

// ResolveSigner picks the signing key: an explicit hex key wins, otherwise the
// first entry of the wallet file is used.
func ResolveSigner(privateKey, walletsFile string) (*txn.KeySigner, error) {
	if strings.TrimSpace(privateKey) != "" {
		return txn.KeySignerFromHex(privateKey)
	}
	if strings.TrimSpace(walletsFile) == "" {
		return nil, errors.New("未配置签名私钥，也未指定钱包文件")
	}
	wallets, err := LoadFile(walletsFile)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("钱包文件 %s 为空", walletsFile)
	}
	return wallets[0].Signer()
}
