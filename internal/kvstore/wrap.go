package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"patapim-server/internal/metrics"
)

// ErrUnsupported is returned by wrappers whose inner store lacks a capability
var ErrUnsupported = errors.New("kvstore: operation not supported by backend")

type conditionalSupport interface {
	SupportsConditional() bool
}

type takeSupport interface {
	SupportsTake() bool
}

// AsTaker returns s as a Taker if its backend supports atomic take
func AsTaker(s Store) (Taker, bool) {
	if w, ok := s.(takeSupport); ok && !w.SupportsTake() {
		return nil, false
	}
	t, ok := s.(Taker)
	return t, ok
}

// AsConditional returns s as a Conditional if its backend really supports
// put-if-absent, looking through wrappers.
func AsConditional(s Store) (Conditional, bool) {
	if w, ok := s.(conditionalSupport); ok && !w.SupportsConditional() {
		return nil, false
	}
	c, ok := s.(Conditional)
	return c, ok
}

// Prefixed namespaces every key of an inner store. It lets one backend host
// several logical namespaces (licenses, feedback).
type Prefixed struct {
	inner  Store
	prefix string
}

func NewPrefixed(inner Store, prefix string) *Prefixed {
	return &Prefixed{inner: inner, prefix: prefix}
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.inner.Put(ctx, p.prefix+key, value, ttl)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *Prefixed) List(ctx context.Context, prefix, cursor string, limit int) (ListResult, error) {
	if cursor != "" {
		cursor = p.prefix + cursor
	}
	res, err := p.inner.List(ctx, p.prefix+prefix, cursor, limit)
	if err != nil {
		return res, err
	}
	for i, k := range res.Keys {
		res.Keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	res.Cursor = strings.TrimPrefix(res.Cursor, p.prefix)
	return res, nil
}

func (p *Prefixed) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c, ok := AsConditional(p.inner)
	if !ok {
		return false, ErrUnsupported
	}
	return c.PutIfAbsent(ctx, p.prefix+key, value, ttl)
}

func (p *Prefixed) SupportsConditional() bool {
	_, ok := AsConditional(p.inner)
	return ok
}

func (p *Prefixed) Take(ctx context.Context, key string) ([]byte, error) {
	t, ok := AsTaker(p.inner)
	if !ok {
		return nil, ErrUnsupported
	}
	return t.Take(ctx, p.prefix+key)
}

func (p *Prefixed) SupportsTake() bool {
	_, ok := AsTaker(p.inner)
	return ok
}

// Instrumented records Prometheus counters and latency for every operation
type Instrumented struct {
	inner   Store
	backend string
}

func Instrument(inner Store, backend string) *Instrumented {
	return &Instrumented{inner: inner, backend: backend}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(s.backend, op, result).Inc()
	metrics.StoreLatency.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := s.inner.Get(ctx, key)
	s.observe("get", start, err)
	return v, err
}

func (s *Instrumented) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.inner.Put(ctx, key, value, ttl)
	s.observe("put", start, err)
	return err
}

func (s *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *Instrumented) List(ctx context.Context, prefix, cursor string, limit int) (ListResult, error) {
	start := time.Now()
	res, err := s.inner.List(ctx, prefix, cursor, limit)
	s.observe("list", start, err)
	return res, err
}

func (s *Instrumented) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c, ok := AsConditional(s.inner)
	if !ok {
		return false, ErrUnsupported
	}
	start := time.Now()
	written, err := c.PutIfAbsent(ctx, key, value, ttl)
	s.observe("put_if_absent", start, err)
	return written, err
}

func (s *Instrumented) SupportsConditional() bool {
	_, ok := AsConditional(s.inner)
	return ok
}

func (s *Instrumented) Take(ctx context.Context, key string) ([]byte, error) {
	t, ok := AsTaker(s.inner)
	if !ok {
		return nil, ErrUnsupported
	}
	start := time.Now()
	v, err := t.Take(ctx, key)
	s.observe("take", start, err)
	return v, err
}

func (s *Instrumented) SupportsTake() bool {
	_, ok := AsTaker(s.inner)
	return ok
}

func (s *Instrumented) Ping(ctx context.Context) error {
	if p, ok := s.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Instrumented) Close() error {
	if c, ok := s.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
