// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides a hosted Gemma 3n backend over the Together AI
// chat completions API.
//
// The Client has the same Generate, ListModels and CheckRunning methods as
// the local Ollama client, so sessions, the analyzer and the HTTP API can
// run against either. Prompts are sent as a single user message; images
// travel as image_url data URIs. Failures are *ollama.ClientError values
// in the same four kinds as the local client, with a sentinel Cause
// (ErrAuthFailed, ErrRateLimited, ...) where the status says more.
//
// # Usage
//
//	client := cloud.NewClient(&cloud.ClientConfig{APIKey: os.Getenv("TOGETHER_API_KEY")})
//	res, err := client.Generate(ctx, &ollama.GenerateRequest{
//	    Prompt: "Describe this picture.",
//	    Attachments: []ollama.Attachment{img},
//	})
//
// Rate-limited and 5xx replies are retried with exponential backoff
// inside the call timeout. The API key is never logged.
package cloud
