// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package analyze runs a document-analysis preset over a sequence of page
// images and exports the results.
//
// Pages are already rasterized: each input is a PNG or JPEG file, one per
// page. Every page becomes one request with the page image attached. A
// failing page is recorded and the run continues.
//
// # Usage
//
//	a := analyze.New(client, catalog)
//	results, err := a.Run(ctx, analyze.Request{
//		Pages:    []string{"p1.png", "p2.png"},
//		Type:     prompts.AnalysisSummary,
//	}, func(done, total int) { ... })
//
//	err = analyze.WriteExport("out.csv", results)
package analyze
