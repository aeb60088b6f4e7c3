// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements GenerationProvider against the OpenAI chat API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider builds a provider from the environment.
//
// The API key is read from OPENAI_API_KEY, falling back to the Podman secret
// at /run/secrets/openai_api_key. The default model comes from OPENAI_MODEL.
// Per-call params may still override the model.
func NewOpenAIProvider() (*OpenAIProvider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI generation provider", "model", model)
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Generate implements the GenerationProvider interface.
//
// The fixed seed is forwarded via the API's seed field. OpenAI treats the
// seed as best-effort, which is exactly why the engine runs its own
// consistency check on top.
func (o *OpenAIProvider) Generate(ctx context.Context, messages []Message, params SamplingParams) (Result, error) {
	model := params.Model
	if model == "" {
		model = o.model
	}
	slog.Debug("Generating text via OpenAI", "model", model, "seed", params.Seed)

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(params.Temperature),
		TopP:        float32(params.TopP),
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}
	// int64 is wide enough for every seed the engine derives in practice;
	// the API field is a signed int.
	seed := int(params.Seed & 0x7fffffffffffffff)
	req.Seed = &seed

	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("OpenAI call deadline exceeded: %w", ErrProviderTimeout)
		}
		slog.Error("OpenAI API call failed", "error", err)
		return Result{}, fmt.Errorf("OpenAI API call failed: %v: %w", err, ErrProvider)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return Result{}, fmt.Errorf("OpenAI returned no choices: %w", ErrProvider)
	}

	return Result{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptUnits:     resp.Usage.PromptTokens,
			CompletionUnits: resp.Usage.CompletionTokens,
			TotalUnits:      resp.Usage.TotalTokens,
		},
	}, nil
}

var _ GenerationProvider = (*OpenAIProvider)(nil)
