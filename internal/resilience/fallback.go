package resilience

// FallbackResponse is what a customer-facing caller receives instead of an
// error once retries are exhausted.
type FallbackResponse struct {
	Content         string `json:"content"`
	Type            Kind   `json:"type"`
	ShouldRetry     bool   `json:"shouldRetry"`
	EscalateToHuman bool   `json:"escalateToHuman"`
}

var fallbacks = map[Kind]FallbackResponse{
	KindRateLimit: {
		Content:     "We're receiving a lot of requests right now. Please try again in a few minutes.",
		Type:        KindRateLimit,
		ShouldRetry: true,
	},
	KindTimeout: {
		Content:     "This is taking longer than expected. We'll get back to you shortly.",
		Type:        KindTimeout,
		ShouldRetry: true,
	},
	KindChannelAuth: {
		Content:         "We couldn't deliver your message right now. A member of our team will follow up.",
		Type:            KindChannelAuth,
		EscalateToHuman: true,
	},
	KindStoreConnectivity: {
		Content:         "We're having a temporary problem saving your request. A member of our team will follow up.",
		Type:            KindStoreConnectivity,
		ShouldRetry:     true,
		EscalateToHuman: true,
	},
	KindValidation: {
		Content: "We couldn't process that request. Please check the details and try again.",
		Type:    KindValidation,
	},
	KindUnavailable: {
		Content:     "This service is temporarily unavailable. Please try again later.",
		Type:        KindUnavailable,
		ShouldRetry: true,
	},
}

// Fallback returns the canned response for k. Unknown kinds get the
// validation response.
func Fallback(k Kind) FallbackResponse {
	if fb, ok := fallbacks[k]; ok {
		return fb
	}
	return fallbacks[KindValidation]
}
