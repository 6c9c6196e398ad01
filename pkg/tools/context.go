package tools

import "context"

type ctxKey struct{}

// CallInfo identifies the session and cycle a handler runs for.
type CallInfo struct {
	SessionID string
	CycleID   string
	CallID    string
}

// WithCallInfo attaches info to ctx for handlers.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// CallInfoFrom returns the CallInfo attached to ctx, if any.
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(ctxKey{}).(CallInfo)
	return info, ok
}
