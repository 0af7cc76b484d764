// Package auth 为 API 提供基于静态 Bearer 令牌的认证与权限校验。
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// 内置权限。权限形如 "资源:动作"，"资源:*" 授予该资源的全部动作，"*" 授予一切。
const (
	PermissionRunsRead   = "runs:read"
	PermissionRunsSubmit = "runs:submit"
	PermissionAll        = "*"
)

// permSet 是归一化后的权限集合，构造后只读。
type permSet map[string]struct{}

func newPermSet(perms []string) permSet {
	set := make(permSet, len(perms))
	for _, p := range perms {
		if p = normalizePermission(p); p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

func normalizePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func (s permSet) allows(perm string) bool {
	perm = normalizePermission(perm)
	if _, ok := s[PermissionAll]; ok {
		return true
	}
	if _, ok := s[perm]; ok {
		return true
	}
	if resource, _, ok := strings.Cut(perm, ":"); ok {
		_, scoped := s[resource+":*"]
		return scoped
	}
	return false
}

// Subject 是通过认证的调用方，经由 context 传给处理器。
type Subject struct {
	Name  string
	perms permSet
}

// NewSubject 构造带有给定权限的主体。
func NewSubject(name string, permissions ...string) *Subject {
	return &Subject{Name: name, perms: newPermSet(permissions)}
}

// Permissions 返回排序后的权限列表。
func (s *Subject) Permissions() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.perms))
	for p := range s.perms {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// HasPermission reports whether the subject holds permission directly or
// through a wildcard.
func (s *Subject) HasPermission(permission string) bool {
	return s != nil && s.perms.allows(permission)
}

// Authorize 要求主体具备全部 perms，返回第一个缺失的权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Token 描述一个可用的 API 令牌。
type Token struct {
	Name        string   `json:"name"`
	Value       string   `json:"value"`
	Permissions []string `json:"permissions"`
}

// Config 配置认证守卫。没有令牌时认证关闭。
type Config struct {
	Tokens []Token
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
}

// DefaultPermissions 读接口需要 runs:read，写接口需要 runs:submit。
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		"GET":  {PermissionRunsRead},
		"HEAD": {PermissionRunsRead},
		"*":    {PermissionRunsSubmit},
	}
}

func digest(value string) [sha256.Size]byte {
	return sha256.Sum256([]byte(value))
}
