package llm

// Pricing holds per-million-token rates in USD
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// EstimateCost maps token usage to a monetary estimate. It is used for reporting only.
func EstimateCost(inputTokens, outputTokens int64, pricing Pricing) float64 {
	return float64(inputTokens)/1_000_000*pricing.InputPerMillion +
		float64(outputTokens)/1_000_000*pricing.OutputPerMillion
}
