package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agent core metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram // inbound message dispatch duration (router)
	TaskDuration     metric.Float64Histogram // queued-to-terminal duration per task (taskengine)
	LLMCallDuration  metric.Float64Histogram // one provider.Chat call, by provider/model (agentengine)
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveLoops      metric.Int64UpDownCounter // concurrently executing agent turns (agentengine)
	LoopStepsTotal   metric.Int64Counter       // tool-call loop iterations (agentengine)
	RateLimitRejects metric.Int64Counter       // provider failures classified rate_limit (providers)
	TaskOutcomes     metric.Int64Counter       // terminal task status, labeled lane+outcome (taskengine)
	QueueDepth       metric.Int64UpDownCounter // in-flight task count, labeled lane (taskengine)
	ProviderFailures metric.Int64Counter       // provider failures, labeled provider id+reason (providers)
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentcore.request.duration",
		metric.WithDescription("Inbound message dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentcore.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("agentcore.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("agentcore.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("agentcore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("agentcore.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLoops, err = meter.Int64UpDownCounter("agentcore.loop.active",
		metric.WithDescription("Number of currently active agent loops"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopStepsTotal, err = meter.Int64Counter("agentcore.loop.steps",
		metric.WithDescription("Total loop steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("agentcore.ratelimit.rejects",
		metric.WithDescription("Provider failures classified as rate_limit"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("agentcore.task.outcomes",
		metric.WithDescription("Terminal task status, labeled by lane and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("agentcore.task.queue.depth",
		metric.WithDescription("In-flight task count per lane"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderFailures, err = meter.Int64Counter("agentcore.provider.failures",
		metric.WithDescription("Provider call failures, labeled by provider id and failover reason"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
