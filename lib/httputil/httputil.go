// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil is a small send-with-options HTTP client, the shape the
// rest of this codebase's utils/httputil takes (functional Send options,
// StatusError, backoff-driven retry) -- rebuilt here against
// github.com/cenkalti/backoff since only that package's test file, not its
// implementation, was available to copy from directly.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
)

// StatusError occurs when an HTTP request's response has an unexpected
// status code.
type StatusError struct {
	Method       string
	URL          string
	Status       int
	ResponseDump string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.ResponseDump)
}

// IsStatus reports whether err is a StatusError with the given status code.
func IsStatus(err error, status int) bool {
	se, ok := err.(StatusError)
	return ok && se.Status == status
}

// IsNetworkError reports whether err indicates the request never received a
// response at all (connection refused, timeout, DNS, etc).
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(StatusError)
	return !ok
}

type sendOptions struct {
	transport     http.RoundTripper
	timeout       time.Duration
	acceptedCodes map[int]bool
	headers       map[string]string
	body          io.Reader
	retry         *retryOptions
}

type retryOptions struct {
	newBackOff func() backoff.BackOff
	codes      map[int]bool
}

// SendOption configures a Send call.
type SendOption func(*sendOptions)

// SendTransport overrides the http.RoundTripper used, primarily for tests.
func SendTransport(t http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = t }
}

// SendTimeout sets a per-attempt timeout.
func SendTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// SendAcceptedCodes sets the status codes considered success; anything else
// yields a StatusError. Defaults to the 2xx range when unset.
func SendAcceptedCodes(codes ...int) SendOption {
	return func(o *sendOptions) {
		o.acceptedCodes = make(map[int]bool, len(codes))
		for _, c := range codes {
			o.acceptedCodes[c] = true
		}
	}
}

// SendHeader adds a request header.
func SendHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// SendBody sets the request body.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// RetryOption configures SendRetry.
type RetryOption func(*retryOptions)

// RetryBackoff sets the backoff.BackOff constructor used between retries.
func RetryBackoff(newBackOff func() backoff.BackOff) RetryOption {
	return func(o *retryOptions) { o.newBackOff = newBackOff }
}

// RetryCodes adds status codes, beyond 5xx and network errors, that should
// trigger a retry (e.g. 308 resume-incomplete).
func RetryCodes(codes ...int) RetryOption {
	return func(o *retryOptions) {
		if o.codes == nil {
			o.codes = make(map[int]bool)
		}
		for _, c := range codes {
			o.codes[c] = true
		}
	}
}

// SendRetry enables retrying on network errors, 5xx, and any RetryCodes.
func SendRetry(opts ...RetryOption) SendOption {
	return func(o *sendOptions) {
		ro := &retryOptions{}
		for _, opt := range opts {
			opt(ro)
		}
		o.retry = ro
	}
}

func (o *sendOptions) retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp.StatusCode >= 500 {
		return true
	}
	if o.retry.codes != nil && o.retry.codes[resp.StatusCode] {
		return true
	}
	return false
}

func newDefaultOptions() *sendOptions {
	return &sendOptions{
		transport: http.DefaultTransport,
		timeout:   60 * time.Second,
	}
}

// Send performs an HTTP request with method/url/opts, returning the response
// with a non-nil, drainable Body on success, or a StatusError if the final
// response's status was not accepted.
func Send(method, url string, opts ...SendOption) (*http.Response, error) {
	o := newDefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var bodyBytes []byte
	if o.body != nil {
		b, err := io.ReadAll(o.body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		bodyBytes = b
	}

	client := &http.Client{
		Transport: o.transport,
		Timeout:   o.timeout,
	}

	do := func() (*http.Response, error) {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequest(method, url, body)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		for k, v := range o.headers {
			req.Header.Set(k, v)
		}
		return client.Do(req)
	}

	accepted := func(status int) bool {
		if o.acceptedCodes != nil {
			return o.acceptedCodes[status]
		}
		return status >= 200 && status < 300
	}

	if o.retry == nil {
		resp, err := do()
		if err != nil {
			return nil, err
		}
		if !accepted(resp.StatusCode) {
			return nil, newStatusError(method, url, resp)
		}
		return resp, nil
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(0)
	if o.retry.newBackOff != nil {
		b = o.retry.newBackOff()
	}

	var lastResp *http.Response
	var lastErr error
	op := func() error {
		resp, err := do()
		lastResp, lastErr = resp, err
		if err != nil {
			return err
		}
		if accepted(resp.StatusCode) {
			return nil
		}
		if o.retryable(resp, nil) {
			return newStatusError(method, url, resp)
		}
		lastErr = newStatusError(method, url, resp)
		return backoff.Permanent(lastErr)
	}

	if err := backoff.Retry(op, b); err != nil {
		if lastResp != nil && !accepted(lastResp.StatusCode) {
			return nil, newStatusError(method, url, lastResp)
		}
		return nil, lastErr
	}
	return lastResp, nil
}

func newStatusError(method, url string, resp *http.Response) StatusError {
	dump := ""
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		dump = string(b)
	}
	return StatusError{Method: method, URL: url, Status: resp.StatusCode, ResponseDump: dump}
}

// Get issues a GET.
func Get(url string, opts ...SendOption) (*http.Response, error) {
	return Send(http.MethodGet, url, opts...)
}

// Post issues a POST.
func Post(url string, opts ...SendOption) (*http.Response, error) {
	return Send(http.MethodPost, url, opts...)
}

// Put issues a PUT.
func Put(url string, opts ...SendOption) (*http.Response, error) {
	return Send(http.MethodPut, url, opts...)
}
