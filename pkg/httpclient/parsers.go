package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParserFor returns the rate-limit header parser for a compat family name.
// Unknown families get the generic Retry-After parser.
func ParserFor(family string) RateLimitHeaderParser {
	switch family {
	case "anthropic":
		return ParseAnthropicRateLimitHeaders
	case "openai-chat", "openai-responses":
		return ParseOpenAIRateLimitHeaders
	default:
		return ParseRetryAfterHeader
	}
}

func retryAfterSeconds(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func headerInt(headers http.Header, key string) int {
	n, _ := strconv.Atoi(headers.Get(key))
	return n
}

// ParseAnthropicRateLimitHeaders reads the anthropic-ratelimit-* headers.
// Reset values are RFC3339 timestamps.
func ParseAnthropicRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:            retryAfterSeconds(headers),
		RequestsRemaining:     headerInt(headers, "anthropic-ratelimit-requests-remaining"),
		InputTokensRemaining:  headerInt(headers, "anthropic-ratelimit-input-tokens-remaining"),
		OutputTokensRemaining: headerInt(headers, "anthropic-ratelimit-output-tokens-remaining"),
	}
	for _, key := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if value := headers.Get(key); value != "" {
			if reset, err := time.Parse(time.RFC3339, value); err == nil {
				info.ResetTime = reset.Unix()
				break
			}
		}
	}
	return info
}

// ParseOpenAIRateLimitHeaders reads the x-ratelimit-* headers. Reset values
// are unix seconds.
func ParseOpenAIRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:        retryAfterSeconds(headers),
		RequestsRemaining: headerInt(headers, "x-ratelimit-remaining-requests"),
		TokensRemaining:   headerInt(headers, "x-ratelimit-remaining-tokens"),
	}
	for _, key := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if value := headers.Get(key); value != "" {
			if reset, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.ResetTime = reset
				break
			}
		}
	}
	return info
}

// ParseRetryAfterHeader reads only Retry-After, for providers without vendor
// rate-limit headers.
func ParseRetryAfterHeader(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: retryAfterSeconds(headers)}
}
