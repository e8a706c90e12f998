// Package request builds the per-request context: the verified principal and
// a fresh loader set.
package request

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/auth"
	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/loader"
	"github.com/ripkitten-co/parley/loaders"
	"github.com/ripkitten-co/parley/store"
)

const DefaultCookieName = "parley_session"

// Context is everything a resolver may use for one request. Nothing in it
// outlives the request.
type Context struct {
	ID        string
	Principal auth.Principal
	Loaders   *loaders.Set
}

type Builder struct {
	verifier   auth.Verifier
	fetcher    store.Fetcher
	codec      codecs.Codec
	cookieName string
	loaderOpts []loader.Option
}

type BuilderOption func(*Builder)

func WithCodec(c codecs.Codec) BuilderOption {
	return func(b *Builder) { b.codec = c }
}

func WithCookieName(name string) BuilderOption {
	return func(b *Builder) { b.cookieName = name }
}

// WithLoaderOptions applies opts to every loader of every request.
func WithLoaderOptions(opts ...loader.Option) BuilderOption {
	return func(b *Builder) { b.loaderOpts = append(b.loaderOpts, opts...) }
}

func NewBuilder(v auth.Verifier, f store.Fetcher, opts ...BuilderOption) *Builder {
	b := &Builder{
		verifier:   v,
		fetcher:    f,
		codec:      codecs.NewJSONIter(),
		cookieName: DefaultCookieName,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build verifies the request credential and returns a fresh Context. It does
// no data I/O beyond verification.
func (b *Builder) Build(ctx context.Context, r *http.Request) (*Context, error) {
	cred := b.credential(r)
	if cred == "" {
		return nil, fmt.Errorf("request: no credential: %w", parley.ErrUnauthenticated)
	}
	p, err := b.verifier.Verify(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("request: %w: %w", parley.ErrUnauthenticated, err)
	}
	return &Context{
		ID:        ulid.Make().String(),
		Principal: p,
		Loaders:   loaders.New(b.fetcher, b.codec, b.loaderOpts...),
	}, nil
}

func (b *Builder) credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(b.cookieName); err == nil {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	return rc, ok && rc != nil
}

// RequireAuth returns the request principal or ErrUnauthenticated.
func RequireAuth(ctx context.Context) (auth.Principal, error) {
	rc, ok := FromContext(ctx)
	if !ok {
		return auth.Principal{}, parley.ErrUnauthenticated
	}
	return rc.Principal, nil
}

// Authorize checks that p belongs to the organization owning a resource.
func Authorize(p auth.Principal, organizationID string) error {
	if organizationID == "" || p.OrganizationID != organizationID {
		return fmt.Errorf("organization %s: %w", organizationID, parley.ErrForbidden)
	}
	return nil
}
