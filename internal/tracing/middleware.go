package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
)

// IntegrationOption configures the HTTP and gRPC integrations
type IntegrationOption func(*integrationConfig)

type integrationConfig struct {
	service       string
	distributed   bool
	ignoredErrors []error
	isError       func(status int) bool
}

func newIntegrationConfig(opts []IntegrationOption) integrationConfig {
	cfg := integrationConfig{
		distributed: true,
		isError:     func(status int) bool { return status >= http.StatusInternalServerError },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithServiceName overrides the service of the integration's spans
func WithServiceName(service string) IntegrationOption {
	return func(c *integrationConfig) { c.service = service }
}

// WithDistributedTracing toggles reading and writing propagation headers
func WithDistributedTracing(enabled bool) IntegrationOption {
	return func(c *integrationConfig) { c.distributed = enabled }
}

// WithIgnoredErrors lists errors that do not mark a span as failed
func WithIgnoredErrors(errs ...error) IntegrationOption {
	return func(c *integrationConfig) { c.ignoredErrors = append(c.ignoredErrors, errs...) }
}

// WithStatusCheck decides which HTTP statuses mark a span as failed
func WithStatusCheck(isError func(status int) bool) IntegrationOption {
	return func(c *integrationConfig) { c.isError = isError }
}

func (c integrationConfig) ignored(err error) bool {
	for _, target := range c.ignoredErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (c integrationConfig) spanOptions(spanType, resource string) []StartSpanOption {
	opts := []StartSpanOption{WithSpanType(spanType), WithResource(resource)}
	if c.service != "" {
		opts = append(opts, WithService(c.service))
	}
	return opts
}

// ============================================================================
// HTTP
// ============================================================================

// HTTPMiddleware creates Gin middleware tracing every request
func HTTPMiddleware(tracer *Tracer, opts ...IntegrationOption) gin.HandlerFunc {
	cfg := newIntegrationConfig(opts)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cfg.distributed {
			ctx = tracer.ActivateDistributedHeaders(ctx, c.Request.Header)
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		span, ctx := tracer.StartSpan(ctx, "http.request",
			cfg.spanOptions(ext.SpanTypeWeb, c.Request.Method+" "+route)...)
		span.SetTag(ext.SpanKind, ext.SpanKindServer)
		span.SetTag(ext.HTTPMethod, c.Request.Method)
		span.SetTag(ext.HTTPURL, c.Request.URL.String())
		span.SetTag(ext.HTTPRoute, route)
		if ua := c.Request.UserAgent(); ua != "" {
			span.SetTag(ext.HTTPUserAgent, ua)
		}

		c.Request = c.Request.WithContext(ctx)
		if cfg.distributed {
			_ = tracer.Inject(span.Context(), HTTPHeadersCarrier(c.Writer.Header()))
		}

		defer func() {
			if r := recover(); r != nil {
				span.SetTag(ext.HTTPCode, strconv.Itoa(http.StatusInternalServerError))
				span.Finish(WithError(fmt.Errorf("panic: %v", r)))
				panic(r)
			}
		}()

		c.Next()

		code := c.Writer.Status()
		span.SetTag(ext.HTTPCode, strconv.Itoa(code))
		if ginErr := c.Errors.Last(); ginErr != nil {
			if !cfg.ignored(ginErr.Err) {
				span.SetError(ginErr.Err)
			}
		} else if cfg.isError(code) {
			span.SetTag(ext.Error, true)
			span.SetTag(ext.ErrorMsg, fmt.Sprintf("%d: %s", code, http.StatusText(code)))
		}
		span.Finish()
	}
}

// ============================================================================
// gRPC
// ============================================================================

// MDCarrier adapts gRPC metadata to the propagation carriers
type MDCarrier metadata.MD

// Set implements TextMapWriter
func (c MDCarrier) Set(key, val string) {
	metadata.MD(c).Set(strings.ToLower(key), val)
}

// ForeachKey implements TextMapReader
func (c MDCarrier) ForeachKey(handler func(key, val string) error) error {
	for k, vals := range c {
		for _, v := range vals {
			if err := handler(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tracer) startRPCSpan(ctx context.Context, cfg integrationConfig, method, kind string) (*Span, context.Context) {
	if cfg.distributed && kind == ext.SpanKindServer {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if sc, ok := t.Extract(MDCarrier(md)); ok {
				ctx = ContextWithRemoteSpanContext(ctx, sc)
			}
		}
	}

	name := "grpc.server"
	if kind == ext.SpanKindClient {
		name = "grpc.client"
	}
	span, ctx := t.StartSpan(ctx, name, cfg.spanOptions(ext.SpanTypeRPC, method)...)
	span.SetTag(ext.SpanKind, kind)
	span.SetTag(ext.RPCSystem, "grpc")
	service, rpc := splitMethod(method)
	span.SetTag(ext.RPCService, service)
	span.SetTag(ext.RPCMethod, rpc)
	return span, ctx
}

func finishRPCSpan(span *Span, cfg integrationConfig, err error) {
	code := status.Code(err)
	span.SetTag(ext.GRPCStatusCode, code.String())
	if err != nil && code != codes.Canceled && !cfg.ignored(err) {
		span.Finish(WithError(err))
		return
	}
	span.Finish()
}

// splitMethod splits "/pkg.Service/Method"
func splitMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return "", fullMethod
}

// GRPCUnaryInterceptor creates a gRPC unary interceptor for tracing
func GRPCUnaryInterceptor(tracer *Tracer, opts ...IntegrationOption) grpc.UnaryServerInterceptor {
	cfg := newIntegrationConfig(opts)

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		span, ctx := tracer.startRPCSpan(ctx, cfg, info.FullMethod, ext.SpanKindServer)
		defer func() {
			if r := recover(); r != nil {
				span.Finish(WithError(fmt.Errorf("panic: %v", r)))
				panic(r)
			}
		}()

		resp, err = handler(ctx, req)
		finishRPCSpan(span, cfg, err)
		return resp, err
	}
}

// GRPCStreamInterceptor creates a gRPC stream interceptor for tracing
func GRPCStreamInterceptor(tracer *Tracer, opts ...IntegrationOption) grpc.StreamServerInterceptor {
	cfg := newIntegrationConfig(opts)

	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		span, ctx := tracer.startRPCSpan(ss.Context(), cfg, info.FullMethod, ext.SpanKindServer)
		span.SetTag("rpc.streaming", true)

		wrapped := &tracedServerStream{
			ServerStream: ss,
			ctx:          ctx,
		}

		err := handler(srv, wrapped)
		finishRPCSpan(span, cfg, err)
		return err
	}
}

// tracedServerStream wraps grpc.ServerStream with tracing context
type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context {
	return s.ctx
}

// GRPCClientInterceptor creates a gRPC client interceptor propagating the
// caller's trace
func GRPCClientInterceptor(tracer *Tracer, opts ...IntegrationOption) grpc.UnaryClientInterceptor {
	cfg := newIntegrationConfig(opts)

	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		callOpts ...grpc.CallOption,
	) error {
		span, ctx := tracer.startRPCSpan(ctx, cfg, method, ext.SpanKindClient)

		if cfg.distributed {
			md, ok := metadata.FromOutgoingContext(ctx)
			if ok {
				md = md.Copy()
			} else {
				md = metadata.MD{}
			}
			_ = tracer.Inject(span.Context(), MDCarrier(md))
			ctx = metadata.NewOutgoingContext(ctx, md)
		}

		err := invoker(ctx, method, req, reply, cc, callOpts...)
		finishRPCSpan(span, cfg, err)
		return err
	}
}
