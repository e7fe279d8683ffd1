package auth

import (
	"context"
	"strings"
)

// Client describes the network origin of a request.
type Client struct {
	IP        string
	UserAgent string
}

type clientContextKey struct{}
type tokenContextKey struct{}

// ContextWithClient attaches request origin metadata to the context.
func ContextWithClient(ctx context.Context, c Client) context.Context {
	c.IP = strings.TrimSpace(c.IP)
	c.UserAgent = strings.TrimSpace(c.UserAgent)
	return context.WithValue(ctx, clientContextKey{}, c)
}

// ClientFromContext returns the request origin, zero value when absent.
func ClientFromContext(ctx context.Context) Client {
	if ctx == nil {
		return Client{}
	}
	c, _ := ctx.Value(clientContextKey{}).(Client)
	return c
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
