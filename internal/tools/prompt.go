package tools

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// PromptRunner executes named model prompts.
type PromptRunner interface {
	Has(name string) bool
	Run(ctx context.Context, name string, input map[string]any) (string, error)
}

// promptTool wraps a named prompt as an awaitable tool. Provider calls are
// retried with policy; the node's declared params become the prompt input.
func promptTool(name, prompt string, runner PromptRunner, params []dragonflow.ParamSpec, policy retry.Policy) *dragonflow.ResolvedTool {
	return &dragonflow.ResolvedTool{
		Name:          name,
		QualifiedName: "prompt:" + prompt,
		Kind:          dragonflow.ToolKindPrompt,
		Description:   fmt.Sprintf("model prompt %s", prompt),
		Params:        params,
		Returns:       "string",
		Awaitable:     true,
		CacheKey:      SelectArgs(),
		Func: func(ctx context.Context, args map[string]any) (any, error) {
			return retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
				return runner.Run(ctx, prompt, args)
			})
		},
	}
}
