// SPDX-License-Identifier: MIT

// Package inference reaches the remote model services: a connector
// that turns a model key into a live endpoint (opening ssh tunnels as
// needed) plus HTTP clients for the chat-completions and transcription
// wire formats.
package inference

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// newClient builds an HTTP client for model calls. Model services sit
// on their response for minutes before the first header byte, so the
// response-header timeout tracks the overall timeout instead of the
// short ops-probe default.
func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		}),
	}
}

// StatusError reports a non-2xx reply from a model service. Body holds
// at most the first kilobyte of the response for the error message.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service returned %d: %s", e.Code, e.Body)
}

func statusErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
