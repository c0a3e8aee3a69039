// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/pulse/pulse/structs"
)

// TaskTypeHTTPRequest is the task type served by HTTPHandler.
const TaskTypeHTTPRequest = "http_request"

// maxHTTPResponseBytes caps how much of a response body is read into a
// run result.
const maxHTTPResponseBytes = 256 * 1024

// HTTPHandler executes http_request tasks.
//
// Task config: url (required), method (defaults to GET, or POST when a
// body is present), headers (string map). Task parameters: body, sent
// JSON-encoded. A 2xx response completes the run with the status code
// and decoded body as result data; any other status is a retryable
// HANDLER_ERROR.
type HTTPHandler struct {
	logger hclog.Logger
	client *http.Client
}

func NewHTTPHandler(logger hclog.Logger) *HTTPHandler {
	return &HTTPHandler{
		logger: logger.Named("handler_http"),
		client: cleanhttp.DefaultPooledClient(),
	}
}

func (h *HTTPHandler) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	rawURL, _ := task.Config["url"].(string)
	if rawURL == "" {
		return nil, structs.NewErr(structs.ErrValidation, "http_request task requires config.url")
	}

	var body io.Reader
	hasBody := false
	if raw, ok := task.Parameters["body"]; ok && raw != nil {
		buf, err := json.Marshal(raw)
		if err != nil {
			return nil, structs.WrapErr(structs.ErrValidation, err, "request body does not encode")
		}
		body = bytes.NewReader(buf)
		hasBody = true
	}

	method := http.MethodGet
	if hasBody {
		method = http.MethodPost
	}
	if m, ok := task.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, structs.WrapErr(structs.ErrValidation, err, "bad http_request task")
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := task.Config["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, structs.WrapErr(structs.ErrHandlerError, err, "http request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, structs.WrapErr(structs.ErrHandlerError, err, "reading http response")
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
	}
	var decoded any
	if len(raw) > 0 {
		if json.Unmarshal(raw, &decoded) == nil {
			result["body"] = decoded
		} else {
			result["body"] = string(raw)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Debug("http task returned non-2xx", "run_id", task.RunID, "status", resp.StatusCode)
		serr := structs.NewErr(structs.ErrHandlerError, "http request returned %d", resp.StatusCode)
		serr.Details = map[string]string{"status_code": resp.Status}
		return nil, serr
	}
	return result, nil
}
