package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type (
	// HashRequest is the logical identity of an agent request. Two requests
	// with the same HashRequest replay each other's recordings.
	HashRequest struct {
		Provider     string
		Model        string
		Prompt       string
		Tools        []Tool
		OutputSchema json.RawMessage
		Config       json.RawMessage
	}

	// Tool mirrors the advertised tool shape for hashing.
	Tool struct {
		Name        string
		Description string
		InputSchema json.RawMessage
	}
)

// Hash fingerprints a request: the prompt is whitespace-normalized, tools
// are sorted by name, and schema and config are JSON-canonicalized before
// the envelope is hashed with SHA-256. The same logical request produces
// byte-identical hashes across processes and runs.
func Hash(req HashRequest) (string, error) {
	tools := make([]map[string]any, 0, len(req.Tools))
	sorted := append([]Tool(nil), req.Tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, t := range sorted {
		in, err := canonicalValue(t.InputSchema)
		if err != nil {
			return "", fmt.Errorf("tool %s input schema: %w", t.Name, err)
		}
		tools = append(tools, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": in,
		})
	}
	schemaDoc, err := canonicalValue(req.OutputSchema)
	if err != nil {
		return "", fmt.Errorf("output schema: %w", err)
	}
	configDoc, err := canonicalValue(req.Config)
	if err != nil {
		return "", fmt.Errorf("provider config: %w", err)
	}

	envelope := map[string]any{
		"provider":      req.Provider,
		"model":         req.Model,
		"prompt":        NormalizePrompt(req.Prompt),
		"tools":         tools,
		"output_schema": schemaDoc,
		"config":        configDoc,
	}
	blob, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode hash envelope: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizePrompt trims surrounding whitespace and normalizes line endings
// so cosmetic prompt differences do not defeat the recording cache.
func NormalizePrompt(prompt string) string {
	return strings.TrimSpace(strings.ReplaceAll(prompt, "\r\n", "\n"))
}

// canonicalValue decodes raw JSON into a value whose encoding/json rendering
// is canonical: object keys sorted, numbers kept in their original literal
// form. Empty input canonicalizes to nil.
func canonicalValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}
