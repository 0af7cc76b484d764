// Package explorer 封装 Etherscan 兼容的区块浏览器接口，用于获取已验证合约的 ABI 与源码。
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainProbe/internal/errors"
)

// CodeNotFound 表示合约不存在或源码未验证。
const CodeNotFound xerrors.Code = "EXPLORER_NOT_FOUND"

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "contract not verified on explorer",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

const defaultTimeout = 20 * time.Second

// Config 描述访问区块浏览器所需的信息。
type Config struct {
	BaseURL    string
	APIKey     string
	ChainID    int64
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 通过 HTTP 查询区块浏览器。
type Client struct {
	baseURL    string
	apiKey     string
	chainID    int64
	httpClient *http.Client
}

// Source 是 getsourcecode 返回的单个合约条目。
type Source struct {
	ContractName    string `json:"ContractName"`
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	CompilerVersion string `json:"CompilerVersion"`
}

// New 创建区块浏览器客户端。
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		chainID:    cfg.ChainID,
		httpClient: httpClient,
	}
}

// ABI 返回合约 ABI 的 JSON 文本。
func (c *Client) ABI(ctx context.Context, address string) (string, error) {
	var result string
	if err := c.query(ctx, "getabi", address, &result); err != nil {
		return "", err
	}
	return result, nil
}

// SourceCode 返回合约的已验证源码。
func (c *Client) SourceCode(ctx context.Context, address string) (string, error) {
	src, err := c.Source(ctx, address)
	if err != nil {
		return "", err
	}
	return src.SourceCode, nil
}

// Source 返回完整的源码条目。
func (c *Client) Source(ctx context.Context, address string) (Source, error) {
	var results []Source
	if err := c.query(ctx, "getsourcecode", address, &results); err != nil {
		return Source{}, err
	}
	if len(results) == 0 || strings.TrimSpace(results[0].SourceCode) == "" {
		return Source{}, xerrors.New(CodeNotFound, fmt.Sprintf("合约 %s 的源码未在区块浏览器验证", address))
	}
	return results[0], nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) query(ctx context.Context, action, address string, out any) error {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的合约地址 %q", address))
	}
	if c.baseURL == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置区块浏览器地址")
	}

	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", action)
	params.Set("address", common.HexToAddress(strings.TrimSpace(address)).Hex())
	if c.chainID > 0 {
		params.Set("chainid", strconv.FormatInt(c.chainID, 10))
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("构建区块浏览器请求失败: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "请求区块浏览器失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return xerrors.New(xerrors.CodeUnavailable,
			fmt.Sprintf("区块浏览器返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("解析区块浏览器响应失败: %w", err)
	}
	if env.Status != "1" {
		var detail string
		_ = json.Unmarshal(env.Result, &detail)
		if detail == "" {
			detail = env.Message
		}
		lower := strings.ToLower(detail)
		if strings.Contains(lower, "rate limit") {
			return xerrors.New(xerrors.CodeUnavailable, "区块浏览器限流: "+detail)
		}
		return xerrors.New(CodeNotFound, fmt.Sprintf("区块浏览器未返回合约 %s 的数据: %s", address, detail))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("解析区块浏览器结果失败: %w", err)
	}
	return nil
}
