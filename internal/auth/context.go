package auth

import "context"

// Anonymous 是认证关闭时审计日志记录的调用方名称。
const Anonymous = "anonymous"

type subjectKey struct{}

// WithSubject 把已认证的主体放入 ctx，nil 主体不做任何改动。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出 WithSubject 存入的主体，没有时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SubjectName 返回调用方名称，未认证时为 Anonymous。
func SubjectName(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil && s.Name != "" {
		return s.Name
	}
	return Anonymous
}
