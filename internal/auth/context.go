package auth

import "context"

type subjectKey struct{}

// WithSubject adds the authenticated uploader to the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom retrieves the authenticated uploader from the context.
func SubjectFrom(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(subjectKey{}).(string)
	return val, ok && val != ""
}
