// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for a local Ollama-compatible
// generation server.
//
// The client is stateless: each call to Send is one complete, non-streamed
// POST to /api/generate. Failures are returned as *ClientError values
// whose Kind tells the caller what went wrong:
//
//   - ErrKindConfiguration: the request was rejected before any I/O
//   - ErrKindNetwork: the server could not be reached or did not answer in time
//   - ErrKindServer: the server answered with an HTTP 4xx/5xx status
//   - ErrKindMalformedResponse: the body was not the expected JSON object
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
//	    BaseURL: "http://localhost:11434",
//	    Timeout: 2 * time.Minute,
//	})
//	res, err := client.Generate(ctx, &ollama.GenerateRequest{
//	    Model:  "gemma3n:latest",
//	    Prompt: "Why is the sky blue?",
//	})
//	if err != nil {
//	    var cerr *ollama.ClientError
//	    if errors.As(err, &cerr) {
//	        fmt.Println(cerr.Kind, cerr.Detail)
//	    }
//	    return
//	}
//	fmt.Println(res.Text)
//
// The client never logs. Presentation layers decide how failures are
// shown, and must show both Kind and Detail.
package ollama
