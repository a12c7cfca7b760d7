// Package prompt runs genkit prompts on behalf of prompt tools.
package prompt

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Registry looks up and executes prompts loaded into a Genkit instance.
type Registry struct {
	g *genkit.Genkit
}

// NewRegistry initializes Genkit with the given options, typically the model
// plugins and genkit.WithPromptDir.
func NewRegistry(ctx context.Context, opts ...genkit.GenkitOption) (*Registry, error) {
	g, err := genkit.Init(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Genkit: %w", err)
	}
	return &Registry{g: g}, nil
}

// Has reports whether a prompt with the given name is loaded.
func (r *Registry) Has(name string) bool {
	return genkit.LookupPrompt(r.g, name) != nil
}

// Run renders the prompt with input, executes it and returns the model text.
func (r *Registry) Run(ctx context.Context, name string, input map[string]any) (string, error) {
	resp, err := r.Execute(ctx, name, input)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Execute runs a prompt and returns the raw model response.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, execOpts ...ai.PromptExecuteOption) (*ai.ModelResponse, error) {
	p := genkit.LookupPrompt(r.g, name)
	if p == nil {
		return nil, fmt.Errorf("prompt '%s' not found", name)
	}
	opts := append([]ai.PromptExecuteOption{ai.WithInput(input)}, execOpts...)
	resp, err := p.Execute(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute prompt '%s': %w", name, err)
	}
	return resp, nil
}

// DefinePrompt defines a prompt programmatically.
func (r *Registry) DefinePrompt(name string, opts ...ai.PromptOption) error {
	if _, err := genkit.DefinePrompt(r.g, name, opts...); err != nil {
		return fmt.Errorf("failed to define prompt '%s': %w", name, err)
	}
	return nil
}
