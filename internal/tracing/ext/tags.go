// Package ext defines the tag and metric vocabulary shared by the tracer,
// its samplers and its integrations.
package ext

// Span tags
const (
	SpanType     = "span.type"
	ServiceName  = "service.name"
	ResourceName = "resource.name"
	SpanKind     = "span.kind"
	Component    = "component"
	Environment  = "env"
	Version      = "version"
	RuntimeID    = "runtime-id"
	Origin       = "_dd.origin"
)

// Error tags
const (
	Error      = "error"
	ErrorMsg   = "error.msg"
	ErrorType  = "error.type"
	ErrorStack = "error.stack"
)

// HTTP and RPC tags
const (
	HTTPMethod     = "http.method"
	HTTPURL        = "http.url"
	HTTPRoute      = "http.route"
	HTTPCode       = "http.status_code"
	HTTPUserAgent  = "http.useragent"
	RPCSystem      = "rpc.system"
	RPCService     = "rpc.service"
	RPCMethod      = "rpc.method"
	GRPCStatusCode = "grpc.code"
)

// Sampling tags. Setting ManualKeep or ManualDrop on any span of a trace
// overrides the sampler's decision for the whole trace.
const (
	ManualKeep       = "manual.keep"
	ManualDrop       = "manual.drop"
	SamplingPriority = "sampling.priority"
)

// Span kinds
const (
	SpanKindServer   = "server"
	SpanKindClient   = "client"
	SpanKindInternal = "internal"
)

// Span types
const (
	SpanTypeWeb      = "web"
	SpanTypeHTTP     = "http"
	SpanTypeRPC      = "rpc"
	SpanTypeSQL      = "sql"
	SpanTypeCache    = "cache"
	SpanTypeTemplate = "template"
	SpanTypeCustom   = "custom"
)

// Metric keys written on the root or first span of a flushed chunk
const (
	KeySamplingPriority = "_sampling_priority_v1"
	KeyAgentRate        = "_dd.agent_psr"
	KeyRuleRate         = "_dd.rule_psr"
	KeyLimitRate        = "_dd.limit_psr"
	KeyPartialFlush     = "_dd.partial_flush"
	KeyTopLevel         = "_dd.top_level"
	KeyProcessID        = "process_id"
	KeyDecisionMaker    = "_dd.p.dm"
	KeyTraceIDUpper     = "_dd.p.tid"
)

// ErrorTypeAbandoned marks spans closed by the abandoned-trace sweep.
const ErrorTypeAbandoned = "abandoned"
