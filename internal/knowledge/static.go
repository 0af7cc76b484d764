// Package knowledge 提供漏洞模式知识库，用于在运行开始时给规划者补充检查要点。
package knowledge

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(text string) []Snippet
}

// Snippet 描述可供大模型引用的一条漏洞模式。没有关键字和标签的条目总会命中。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 基于关键字命中数排序的静态知识库。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// Default 返回内置的常见合约漏洞模式。
func Default(maxResults int) *StaticProvider {
	return NewStaticProvider(builtin, maxResults)
}

// LoadStaticProvider 从 JSON 或 YAML（按扩展名 .yaml/.yml 判断）文件加载条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件 %s 失败: %w", path, err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回与 text 匹配的条目，命中关键字多的排在前面，同分保持原有顺序。
// text 为空时按顺序返回前 maxResults 条作为通用清单。
func (p *StaticProvider) Query(text string) []Snippet {
	if p == nil {
		return nil
	}
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return slices.Clone(p.items[:min(p.maxResults, len(p.items))])
	}

	type hit struct {
		snippet Snippet
		score   int
	}
	var hits []hit
	for _, item := range p.items {
		if score := relevance(item, text); score > 0 {
			hits = append(hits, hit{item, score})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(b.score, a.score) })

	out := make([]Snippet, 0, min(p.maxResults, len(hits)))
	for _, h := range hits[:min(p.maxResults, len(hits))] {
		out = append(out, h.snippet)
	}
	return out
}

// relevance 统计 text 中出现的关键字与标签个数；通用条目记 1 分。
func relevance(snippet Snippet, text string) int {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return 1
	}
	score := 0
	for _, word := range slices.Concat(snippet.Keywords, snippet.Tags) {
		if w := strings.ToLower(strings.TrimSpace(word)); w != "" && strings.Contains(text, w) {
			score++
		}
	}
	return score
}

// Brief 把条目整理成追加到初始指令后的文本。
func Brief(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	lines := make([]string, 0, len(snippets)+1)
	lines = append(lines, "Known vulnerability patterns worth checking:")
	for _, s := range snippets {
		line := "- " + s.Title
		if s.Content != "" {
			line += ": " + s.Content
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

var builtin = []Snippet{
	{
		Title:    "Reentrancy",
		Content:  "external calls or ether transfers made before state updates let a callback re-enter withdraw-style functions.",
		Keywords: []string{"reentr", "withdraw", "call{value", "fallback", "receive"},
		Tags:     []string{"reentrancy"},
	},
	{
		Title:    "Access control",
		Content:  "privileged functions (owner setters, mint, upgrade, selfdestruct) missing onlyOwner or role checks.",
		Keywords: []string{"owner", "admin", "onlyowner", "mint", "upgrade", "selfdestruct"},
		Tags:     []string{"access-control"},
	},
	{
		Title:    "Unchecked external call",
		Content:  "low-level call/send return values ignored, leaving state inconsistent on failure.",
		Keywords: []string{".call(", ".send(", "unchecked", "low-level"},
	},
	{
		Title:    "tx.origin authentication",
		Content:  "authorization based on tx.origin can be bypassed through an intermediate contract.",
		Keywords: []string{"tx.origin", "phishing"},
	},
	{
		Title:    "Arithmetic overflow",
		Content:  "pre-0.8 compilers or unchecked blocks allow balances to wrap around.",
		Keywords: []string{"overflow", "underflow", "unchecked", "safemath"},
	},
	{
		Title:    "Delegatecall to untrusted code",
		Content:  "delegatecall into a caller-controlled address executes foreign code against this contract's storage.",
		Keywords: []string{"delegatecall", "proxy", "implementation"},
	},
	{
		Title:    "Price oracle manipulation",
		Content:  "spot prices read from a single pool can be moved inside one transaction.",
		Keywords: []string{"oracle", "price", "getreserves", "flash"},
	},
}

var _ Provider = (*StaticProvider)(nil)
