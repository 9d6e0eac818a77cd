package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultTimeout = 60 * time.Second

// postJSON sends payload and decodes a 2xx response into out. Failures are
// returned as *GenerationError.
func postJSON(ctx context.Context, client *fasthttp.Client, provider, url string, headers map[string]string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &GenerationError{Provider: provider, Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	deadline := time.Now().Add(defaultTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := client.DoDeadline(req, resp, deadline); err != nil {
		return &GenerationError{Provider: provider, Temporary: true, Err: err}
	}

	status := resp.StatusCode()
	if status >= 300 {
		return &GenerationError{
			Provider:  provider,
			Temporary: status == fasthttp.StatusTooManyRequests || status >= 500,
			Err:       fmt.Errorf("status %d: %s", status, truncate(string(resp.Body()), 300)),
		}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &GenerationError{Provider: provider, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clientOrDefault(c *fasthttp.Client) *fasthttp.Client {
	if c != nil {
		return c
	}
	return &fasthttp.Client{Name: "mailfollow"}
}
