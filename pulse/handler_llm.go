// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/pulse/pulse/structs"
)

// TaskTypeLLMCompletion is the task type served by LLMHandler.
const TaskTypeLLMCompletion = "llm_completion"

// defaultLLMEndpoint is the chat completions URL used when the task
// config does not name one. Any OpenAI-compatible endpoint works.
const defaultLLMEndpoint = "https://api.openai.com/v1/chat/completions"

// LLMHandler executes llm_completion tasks against an
// OpenAI-compatible chat completions API.
//
// Task config: model (required), api_url, api_key, system_prompt,
// max_tokens, temperature. Task parameters: prompt (required). The
// result carries the completion text, the model, and token usage.
type LLMHandler struct {
	logger hclog.Logger
	client *http.Client
}

func NewLLMHandler(logger hclog.Logger) *LLMHandler {
	return &LLMHandler{
		logger: logger.Named("handler_llm"),
		client: cleanhttp.DefaultPooledClient(),
	}
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model       string       `json:"model"`
	Messages    []llmMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type llmResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      llmMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (h *LLMHandler) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	model, _ := task.Config["model"].(string)
	if model == "" {
		return nil, structs.NewErr(structs.ErrValidation, "llm_completion task requires config.model")
	}
	prompt, _ := task.Parameters["prompt"].(string)
	if prompt == "" {
		return nil, structs.NewErr(structs.ErrValidation, "llm_completion task requires parameters.prompt")
	}

	endpoint := defaultLLMEndpoint
	if u, ok := task.Config["api_url"].(string); ok && u != "" {
		endpoint = u
	}

	payload := llmRequest{Model: model}
	if sys, ok := task.Config["system_prompt"].(string); ok && sys != "" {
		payload.Messages = append(payload.Messages, llmMessage{Role: "system", Content: sys})
	}
	payload.Messages = append(payload.Messages, llmMessage{Role: "user", Content: prompt})
	if mt, ok := task.Config["max_tokens"].(float64); ok && mt > 0 {
		payload.MaxTokens = int(mt)
	}
	if temp, ok := task.Config["temperature"].(float64); ok {
		payload.Temperature = temp
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, structs.WrapErr(structs.ErrInternal, err, "encoding completion request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, structs.WrapErr(structs.ErrValidation, err, "bad llm_completion task")
	}
	req.Header.Set("Content-Type", "application/json")
	if key, ok := task.Config["api_key"].(string); ok && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, structs.WrapErr(structs.ErrHandlerError, err, "completion request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, structs.WrapErr(structs.ErrHandlerError, err, "reading completion response")
	}

	var out llmResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, structs.WrapErr(structs.ErrHandlerError, err, "completion response does not decode")
	}
	if out.Error != nil {
		return nil, structs.NewErr(structs.ErrHandlerError, "completion api error: %s", out.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, structs.NewErr(structs.ErrHandlerError, "completion api returned %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return nil, structs.NewErr(structs.ErrHandlerError, "completion response has no choices")
	}

	choice := out.Choices[0]
	h.logger.Debug("completion finished", "run_id", task.RunID, "model", out.Model,
		"total_tokens", out.Usage.TotalTokens, "finish_reason", choice.FinishReason)
	return map[string]any{
		"completion":    choice.Message.Content,
		"model":         out.Model,
		"finish_reason": choice.FinishReason,
		"usage": map[string]any{
			"prompt_tokens":     out.Usage.PromptTokens,
			"completion_tokens": out.Usage.CompletionTokens,
			"total_tokens":      out.Usage.TotalTokens,
		},
	}, nil
}

// Ensure the builtins satisfy Handler.
var (
	_ Handler = (*HTTPHandler)(nil)
	_ Handler = (*LLMHandler)(nil)
	_ Handler = HandlerFunc(nil)
)

// RegisterBuiltinHandlers installs the handlers shipped with the
// agent.
func RegisterBuiltinHandlers(reg *Registry, logger hclog.Logger) error {
	if err := reg.Register(TaskTypeHTTPRequest, NewHTTPHandler(logger)); err != nil {
		return fmt.Errorf("registering %s: %w", TaskTypeHTTPRequest, err)
	}
	if err := reg.Register(TaskTypeLLMCompletion, NewLLMHandler(logger)); err != nil {
		return fmt.Errorf("registering %s: %w", TaskTypeLLMCompletion, err)
	}
	return nil
}
