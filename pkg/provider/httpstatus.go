package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError turns a non-2xx HTTP response into a provider error: 408, 429
// and 5xx are transient, every other 4xx is permanent. The body is drained.
func StatusError(providerID, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Transient(providerID, op, err)
	default:
		return Permanent(providerID, op, err)
	}
}
