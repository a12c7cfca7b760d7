package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// maxFetchBytes caps the body read by builtin.fetch.
const maxFetchBytes = 1 << 20

// Builtins returns the package tools shipped with the engine.
func Builtins(client *http.Client, policy retry.Policy) []*FuncTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return []*FuncTool{
		NewFuncTool("builtin.echo", echo,
			WithDescription("Returns its value input unchanged."),
			WithCategory("Util"),
			WithParams(Param("value", "any")),
			WithReturns("any"),
			WithCacheArgs(),
		),
		NewFuncTool("builtin.calculate", calculate,
			WithDescription("Evaluates an arithmetic expression."),
			WithCategory("Math"),
			WithParams(Param("expression", "string"), OptionalParam("variables", "object", map[string]any{})),
			WithReturns("number"),
			WithCacheArgs(),
			WithValidator(validateExpression),
		),
		NewFuncTool("builtin.fetch", fetcher(client, policy),
			WithDescription("Fetches a URL over HTTP GET and returns the body as text."),
			WithCategory("Web"),
			WithParams(Param("url", "string")),
			WithReturns("string"),
			WithCacheArgs("url"),
			WithValidator(validateURL),
			Awaitable(),
		),
		NewFuncTool("builtin.summarize", summarize,
			WithDescription("Truncates text to at most max_words words."),
			WithCategory("Text"),
			WithParams(Param("text", "string"), OptionalParam("max_words", "int", 50)),
			WithReturns("string"),
			WithCacheArgs(),
		),
		NewFuncTool("builtin.count_statuses", countStatuses,
			WithDescription("Counts line statuses; used by aggregation nodes."),
			WithCategory("Aggregation"),
			WithParams(Param("line_statuses", "array")),
			WithReturns("object"),
		),
	}
}

// RegisterBuiltins adds the built-in tools to reg.
func RegisterBuiltins(reg *Registry, client *http.Client, policy retry.Policy) error {
	return reg.Register(Builtins(client, policy)...)
}

func echo(_ context.Context, args map[string]any) (any, error) {
	return args["value"], nil
}

func calculate(_ context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	parsed, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	vars, _ := args["variables"].(map[string]any)
	result, err := parsed.Evaluate(toNumbers(vars))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	f, ok := result.(float64)
	if !ok {
		return nil, fmt.Errorf("expression did not produce a number, got %T", result)
	}
	return f, nil
}

func fetcher(client *http.Client, policy retry.Policy) dragonflow.ToolFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		url, _ := args["url"].(string)
		return retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			if err := retry.CheckResponse(resp); err != nil {
				return "", err
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return "", err
			}
			return string(body), nil
		})
	}
}

func summarize(_ context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	limit := 50
	switch n := args["max_words"].(type) {
	case int:
		limit = n
	case float64:
		limit = int(n)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("max_words must be positive")
	}
	words := strings.Fields(text)
	if len(words) <= limit {
		return strings.Join(words, " "), nil
	}
	return strings.Join(words[:limit], " ") + "...", nil
}

func countStatuses(_ context.Context, args map[string]any) (any, error) {
	statuses, _ := args["line_statuses"].([]any)
	counts := map[string]any{"total": float64(len(statuses))}
	for _, s := range statuses {
		key := fmt.Sprint(s)
		n, _ := counts[key].(float64)
		counts[key] = n + 1
	}
	return counts, nil
}

func validateExpression(args map[string]any) error {
	expr, ok := args["expression"].(string)
	if !ok || expr == "" {
		return fmt.Errorf("expression cannot be empty")
	}
	if len(expr) > 1000 {
		return fmt.Errorf("expression too long (max 1000 characters)")
	}
	return nil
}

func validateURL(args map[string]any) error {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("url must use http or https")
	}
	return nil
}
