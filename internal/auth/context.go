package auth

import "context"

type contextKey int

const subjectContextKey contextKey = iota

// AnonymousName 是认证关闭时记录的调用方名称。
const AnonymousName = "anonymous"

// WithSubject 把通过认证的 API Key 主体放入请求上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext 返回请求的认证主体，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectContextKey).(*Subject)
	return subject
}

// CallerName 返回用于审计日志的调用方名称。
func CallerName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return AnonymousName
}
