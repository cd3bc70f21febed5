package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStopReason   = attribute.Key("llm.stop_reason")
	AttrStreamEvents = attribute.Key("llm.stream_events")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrCodeSize         = attribute.Key("sandbox.code_size")
	AttrSandboxToolCalls = attribute.Key("sandbox.tool_calls")
	AttrSandboxStatus    = attribute.Key("sandbox.status")
)
