package metrics

const PilotAgentMetricsPrefix = "pilot_agent_"
