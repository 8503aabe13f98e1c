// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompts holds the instruction texts and sampling presets used by
// the gemlet front ends. Built-ins can be overridden from a YAML file.
package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/gemlet/internal/ollama"
)

// Built-in names.
const (
	PersonaAssistant = "assistant"
	PersonaVoice     = "voice"
	PersonaCoder     = "coder"

	AnalysisSummary     = "summary"
	AnalysisExtractData = "extract_data"
	AnalysisQuestions   = "questions"
	AnalysisTranslation = "translation"
	AnalysisCompliance  = "compliance"
	AnalysisCustom      = "custom"
)

// VoicePreamble is the conversational preamble used by the voice persona.
const VoicePreamble = "You are a helpful voice assistant. Keep responses conversational and concise."

// CodingSystemPrompt is the instruction block prepended to code reviews.
const CodingSystemPrompt = `You are a code analysis expert. Analyze the provided code and give:
1. Code quality assessment
2. Potential bugs or issues
3. Performance improvements
4. Security considerations
5. Best practices recommendations
Be specific and actionable.`

// =============================================================================
// TYPES
// =============================================================================

// Persona is a named preamble plus sampling options for conversations.
type Persona struct {
	Name        string          `yaml:"-"`
	Description string          `yaml:"description"`
	Preamble    string          `yaml:"preamble"`
	Options     *ollama.Options `yaml:"options,omitempty"`
}

// Analysis is a named document-analysis instruction. Template is a
// text/template with fields .Page (1-based) and .Instruction.
type Analysis struct {
	Name     string `yaml:"-"`
	Label    string `yaml:"label"`
	Template string `yaml:"template"`

	tmpl *template.Template
}

// Coding holds the code-review prompt.
type Coding struct {
	SystemPrompt string          `yaml:"system_prompt"`
	Options      *ollama.Options `yaml:"options,omitempty"`
}

// Catalog is the full set of personas and analysis presets.
type Catalog struct {
	Personas        map[string]*Persona  `yaml:"personas"`
	Analyses        map[string]*Analysis `yaml:"analyses"`
	Coding          Coding               `yaml:"coding"`
	DocumentOptions *ollama.Options      `yaml:"document_options,omitempty"`
}

// =============================================================================
// BUILT-INS
// =============================================================================

// Builtin returns the catalog compiled into the binary.
func Builtin() *Catalog {
	c := &Catalog{
		Personas: map[string]*Persona{
			PersonaAssistant: {
				Description: "General-purpose assistant",
				Preamble:    "You are a helpful assistant.",
				Options:     &ollama.Options{Temperature: ollama.Float(0.7)},
			},
			PersonaVoice: {
				Description: "Short, spoken-style replies",
				Preamble:    VoicePreamble,
				Options:     &ollama.Options{Temperature: ollama.Float(0.7), MaxTokens: ollama.Int(200)},
			},
			PersonaCoder: {
				Description: "Programming help with deterministic output",
				Preamble:    "You are an expert programming assistant. Answer with working code and brief explanations.",
				Options:     &ollama.Options{Temperature: ollama.Float(0.1), TopP: ollama.Float(0.9)},
			},
		},
		Analyses: map[string]*Analysis{
			AnalysisSummary: {
				Label: "Document Summary",
				Template: "Please provide a concise summary of the content shown in this document page {{.Page}}. " +
					"Focus on key points, main topics, and important information.",
			},
			AnalysisExtractData: {
				Label: "Data Extraction",
				Template: "Extract structured data from this document page {{.Page}}. " +
					"Look for tables, lists, key-value pairs, dates, numbers, and names. " +
					"Present the extracted data in a clear, organized format.",
			},
			AnalysisQuestions: {
				Label: "Generate Questions",
				Template: "Based on the content of this document page {{.Page}}, generate 5 relevant questions " +
					"that could be answered using the information shown. Include both factual and analytical questions.",
			},
			AnalysisTranslation: {
				Label: "Translation/Language",
				Template: "Identify the language of this document page {{.Page}} and provide an English translation " +
					"if it's in another language. If it's already in English, provide a summary instead.",
			},
			AnalysisCompliance: {
				Label: "Compliance Review",
				Template: "Analyze this document page {{.Page}} for potential compliance issues, " +
					"legal concerns, or regulatory requirements. Look for dates, signatures, " +
					"terms and conditions, and any compliance-related content.",
			},
			AnalysisCustom: {
				Label:    "Custom Analysis",
				Template: "Analyze this document page {{.Page}} and provide insights about: {{.Instruction}}",
			},
		},
		Coding: Coding{
			SystemPrompt: CodingSystemPrompt,
			Options:      &ollama.Options{Temperature: ollama.Float(0.1), TopP: ollama.Float(0.9)},
		},
		DocumentOptions: &ollama.Options{Temperature: ollama.Float(0.3), TopP: ollama.Float(0.9)},
	}
	if err := c.compile(); err != nil {
		panic("prompts: invalid built-in catalog: " + err.Error())
	}
	return c
}

// =============================================================================
// LOADING
// =============================================================================

// Load returns the built-in catalog with the YAML file at path merged on
// top. A missing file is not an error.
func Load(path string) (*Catalog, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt catalog: %w", err)
	}

	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog %s: %w", path, err)
	}
	c.merge(&override)
	if err := c.compile(); err != nil {
		return nil, fmt.Errorf("prompt catalog %s: %w", path, err)
	}
	return c, nil
}

// merge applies entries from o over c. Entries replace built-ins whole;
// options merge field by field.
func (c *Catalog) merge(o *Catalog) {
	for name, p := range o.Personas {
		if p == nil {
			continue
		}
		if base, ok := c.Personas[name]; ok {
			p.Options = base.Options.Merge(p.Options)
			if p.Description == "" {
				p.Description = base.Description
			}
			if p.Preamble == "" {
				p.Preamble = base.Preamble
			}
		}
		c.Personas[name] = p
	}
	for name, a := range o.Analyses {
		if a == nil {
			continue
		}
		if base, ok := c.Analyses[name]; ok && a.Label == "" {
			a.Label = base.Label
		}
		c.Analyses[name] = a
	}
	if o.Coding.SystemPrompt != "" {
		c.Coding.SystemPrompt = o.Coding.SystemPrompt
	}
	c.Coding.Options = c.Coding.Options.Merge(o.Coding.Options)
	c.DocumentOptions = c.DocumentOptions.Merge(o.DocumentOptions)
}

// compile names every entry and parses analysis templates.
func (c *Catalog) compile() error {
	for name, p := range c.Personas {
		p.Name = name
	}
	for name, a := range c.Analyses {
		a.Name = name
		if strings.TrimSpace(a.Template) == "" {
			return fmt.Errorf("analysis %q has an empty template", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(a.Template)
		if err != nil {
			return fmt.Errorf("analysis %q: %w", name, err)
		}
		a.tmpl = tmpl
		if a.Label == "" {
			a.Label = name
		}
	}
	return nil
}

// =============================================================================
// LOOKUP
// =============================================================================

// UnknownNameError reports a persona or analysis name not in the catalog.
type UnknownNameError struct {
	Kind  string
	Name  string
	Valid []string
}

func (e *UnknownNameError) Error() string {
	return fmt.Sprintf("unknown %s %q (valid: %s)", e.Kind, e.Name, strings.Join(e.Valid, ", "))
}

// Persona returns the named persona.
func (c *Catalog) Persona(name string) (*Persona, error) {
	p, ok := c.Personas[name]
	if !ok {
		return nil, &UnknownNameError{Kind: "persona", Name: name, Valid: c.PersonaNames()}
	}
	return p, nil
}

// Analysis returns the named analysis preset.
func (c *Catalog) Analysis(name string) (*Analysis, error) {
	a, ok := c.Analyses[name]
	if !ok {
		return nil, &UnknownNameError{Kind: "analysis type", Name: name, Valid: c.AnalysisNames()}
	}
	return a, nil
}

// PersonaNames returns the persona names, sorted.
func (c *Catalog) PersonaNames() []string {
	return sortedKeys(c.Personas)
}

// AnalysisNames returns the analysis names, sorted.
func (c *Catalog) AnalysisNames() []string {
	return sortedKeys(c.Analyses)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render fills the analysis template for a 1-based page number.
func (a *Analysis) Render(page int, instruction string) (string, error) {
	if a.tmpl == nil {
		return "", fmt.Errorf("analysis %q is not compiled", a.Name)
	}
	if a.Name == AnalysisCustom && strings.TrimSpace(instruction) == "" {
		return "", errors.New("custom analysis requires an instruction")
	}
	var buf bytes.Buffer
	err := a.tmpl.Execute(&buf, struct {
		Page        int
		Instruction string
	}{Page: page, Instruction: instruction})
	if err != nil {
		return "", fmt.Errorf("render analysis %q: %w", a.Name, err)
	}
	return buf.String(), nil
}
