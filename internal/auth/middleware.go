package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	loggerpkg "ChainProbe/pkg/logger"
)

type tokenEntry struct {
	digest  [32]byte
	subject *Subject
}

// Guard 校验 Authorization 头中的 Bearer 令牌。
type Guard struct {
	tokens   []tokenEntry
	required map[string][]string
	audit    *slog.Logger
}

// NewGuard 根据配置构造守卫。空令牌会被忽略。
func NewGuard(cfg Config) *Guard {
	g := &Guard{required: cfg.RequiredPermissions, audit: loggerpkg.Audit()}
	if g.required == nil {
		g.required = DefaultPermissions()
	}
	for _, tok := range cfg.Tokens {
		value := strings.TrimSpace(tok.Value)
		if value == "" {
			continue
		}
		g.tokens = append(g.tokens, tokenEntry{
			digest:  digest(value),
			subject: NewSubject(tok.Name, tok.Permissions...),
		})
	}
	return g
}

// Enabled 表示是否配置了任何令牌。
func (g *Guard) Enabled() bool {
	return g != nil && len(g.tokens) > 0
}

// Authenticate 解析 Authorization 头并返回对应主体。
func (g *Guard) Authenticate(authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return nil, ErrInvalidToken
	}
	sum := digest(strings.TrimSpace(token))
	for i := range g.tokens {
		if subtle.ConstantTimeCompare(sum[:], g.tokens[i].digest[:]) == 1 {
			return g.tokens[i].subject, nil
		}
	}
	return nil, ErrInvalidToken
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。未启用时直接放行。
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := g.Authenticate(r.Header.Get("Authorization"))
		if err == nil {
			perms := g.required[r.Method]
			if len(perms) == 0 {
				perms = g.required["*"]
			}
			err = subject.Authorize(perms...)
		}
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrPermissionDenied) {
				status = http.StatusForbidden
			}
			g.audit.Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}
