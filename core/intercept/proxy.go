package intercept

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"

	coreerrors "github.com/davidahmann/agentgate/core/errors"
)

const (
	toolActionPrefix     = "mcp_tool:"
	resourceActionPrefix = "mcp_resource:"
)

// ToolClient is the operation set a Proxy intercepts.
type ToolClient interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	ReadResource(ctx context.Context, uri string) (any, error)
}

type ProxyOptions struct {
	// Target names the tool server; a session target applies when empty.
	// Calls with neither fail with ErrConfiguration, or run unverified on a
	// graceful gateway, unless AllowMissingTarget is set.
	Target             string
	AllowMissingTarget bool
	RiskLevel          string
	// ToolRiskLevels overrides RiskLevel per tool name.
	ToolRiskLevels map[string]string
}

// Stats counts proxied calls. Skipped and opted-out calls are unverified.
type Stats struct {
	TotalCalls      int64 `json:"total_calls"`
	VerifiedCalls   int64 `json:"verified_calls"`
	UnverifiedCalls int64 `json:"unverified_calls"`
	DeniedCalls     int64 `json:"denied_calls"`
}

// Proxy wraps a ToolClient so every tool call and resource read is
// verified first. It implements ToolClient itself.
type Proxy struct {
	inner   ToolClient
	gateway *Gateway
	opts    ProxyOptions

	total      atomic.Int64
	verified   atomic.Int64
	unverified atomic.Int64
	denied     atomic.Int64
}

var _ ToolClient = (*Proxy)(nil)

func NewProxy(inner ToolClient, gw *Gateway, opts ProxyOptions) *Proxy {
	opts.Target = strings.TrimSpace(opts.Target)
	opts.RiskLevel = strings.TrimSpace(opts.RiskLevel)
	return &Proxy{inner: inner, gateway: gw, opts: opts}
}

type skipVerificationKey struct{}

// WithoutVerification marks calls made with the returned context as
// explicitly low risk: a Proxy forwards them without verifying.
func WithoutVerification(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipVerificationKey{}, true)
}

func verificationSkipped(ctx context.Context) bool {
	skip, _ := ctx.Value(skipVerificationKey{}).(bool)
	return skip
}

func (p *Proxy) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	name = strings.TrimSpace(name)
	riskLevel := p.opts.RiskLevel
	if level := strings.TrimSpace(p.opts.ToolRiskLevels[name]); level != "" {
		riskLevel = level
	}
	action := Action{
		Type:      toolActionPrefix + name,
		Name:          name,
		RiskLevel:     riskLevel,
		Target:        p.opts.Target,
		RequireTarget: !p.opts.AllowMissingTarget,
	}
	return p.intercept(ctx, action, args, func(ctx context.Context) (any, error) {
		return p.inner.CallTool(ctx, name, args)
	})
}

func (p *Proxy) ReadResource(ctx context.Context, uri string) (any, error) {
	uri = strings.TrimSpace(uri)
	action := Action{
		Type:      resourceActionPrefix + uri,
		Resource:  uri,
		Name:          uri,
		RiskLevel:     p.opts.RiskLevel,
		Target:        p.opts.Target,
		RequireTarget: !p.opts.AllowMissingTarget,
	}
	return p.intercept(ctx, action, nil, func(ctx context.Context) (any, error) {
		return p.inner.ReadResource(ctx, uri)
	})
}

func (p *Proxy) intercept(ctx context.Context, action Action, args any, fn func(context.Context) (any, error)) (any, error) {
	p.total.Add(1)
	if verificationSkipped(ctx) {
		p.unverified.Add(1)
		return fn(ctx)
	}
	value, outcome, err := run(ctx, p.gateway, action, args, fn)
	switch outcome {
	case verdictVerified:
		p.verified.Add(1)
	case verdictSkipped:
		p.unverified.Add(1)
	case verdictDenied:
		p.denied.Add(1)
	}
	return value, err
}

// Unwrap returns the wrapped client.
func (p *Proxy) Unwrap() ToolClient {
	return p.inner
}

func (p *Proxy) Stats() Stats {
	return Stats{
		TotalCalls:      p.total.Load(),
		VerifiedCalls:   p.verified.Load(),
		UnverifiedCalls: p.unverified.Load(),
		DeniedCalls:     p.denied.Load(),
	}
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Invoke calls any other exported method of the wrapped client unchanged.
// A leading context.Context parameter receives ctx. A trailing error result
// is returned as the error; the remaining results are returned in order.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) ([]any, error) {
	method = strings.TrimSpace(method)
	switch method {
	case "CallTool", "ReadResource":
		return nil, coreerrors.InvalidInput("method_intercepted", "%s is intercepted; call it on the proxy directly", method)
	}
	target := reflect.ValueOf(p.inner)
	if !target.IsValid() {
		return nil, coreerrors.Configuration("proxy_client_missing", "proxy has no wrapped client")
	}
	fn := target.MethodByName(method)
	if !fn.IsValid() {
		return nil, coreerrors.InvalidInput("method_not_found", "%T has no exported method %q", p.inner, method)
	}
	in, err := invokeArgs(ctx, fn.Type(), method, args)
	if err != nil {
		return nil, err
	}
	results := fn.Call(in)
	out := make([]any, 0, len(results))
	var callErr error
	for index, result := range results {
		if index == len(results)-1 && result.Type() == errorType {
			if !result.IsNil() {
				callErr = result.Interface().(error)
			}
			continue
		}
		out = append(out, result.Interface())
	}
	return out, callErr
}

func invokeArgs(ctx context.Context, fnType reflect.Type, method string, args []any) ([]reflect.Value, error) {
	params := fnType.NumIn()
	in := make([]reflect.Value, 0, params)
	offset := 0
	if params > 0 && fnType.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}
	fixed := params - offset
	if fnType.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, coreerrors.InvalidInput("method_arity", "%s takes at least %d arguments, got %d", method, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, coreerrors.InvalidInput("method_arity", "%s takes %d arguments, got %d", method, fixed, len(args))
	}
	for index, arg := range args {
		var want reflect.Type
		if fnType.IsVariadic() && index >= fixed {
			want = fnType.In(params - 1).Elem()
		} else {
			want = fnType.In(offset + index)
		}
		value, err := convertArg(arg, want)
		if err != nil {
			return nil, coreerrors.InvalidInput("method_argument", "%s argument %d: %v", method, index, err)
		}
		in = append(in, value)
	}
	return in, nil
}

func convertArg(arg any, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch want.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, errors.New("nil for non-nillable " + want.String())
	}
	value := reflect.ValueOf(arg)
	switch {
	case value.Type().AssignableTo(want):
		return value, nil
	case isNumeric(value.Kind()) && isNumeric(want.Kind()):
		return value.Convert(want), nil
	}
	return reflect.Value{}, errors.New(value.Type().String() + " is not assignable to " + want.String())
}

func isNumeric(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
