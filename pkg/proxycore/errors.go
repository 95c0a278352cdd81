package proxycore

// JSON-RPC server-error codes the proxy core replies with (spec §4.8).
const (
	CodeToolDenied          = -32001
	CodeUpstreamUnavailable = -32002
	CodeRequestTimeout      = -32003
	CodeRequestTooLarge     = -32004
	CodeCircuitBreakerOpen  = -32005
	CodeServerShuttingDown  = -32006
)

var errorMessages = map[int]string{
	CodeToolDenied:          "Denied by policy or user",
	CodeUpstreamUnavailable: "Upstream is not serving requests",
	CodeRequestTimeout:      "No response within timeout window",
	CodeRequestTooLarge:     "Frame exceeded size limit",
	CodeCircuitBreakerOpen:  "Too many recent upstream failures",
	CodeServerShuttingDown:  "Proxy is terminating",
}
