// Package policy evaluates tool-call governance rules with OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy can return for a tool call.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Input is the document handed to the policy for each tool call.
type Input struct {
	ToolName    string      `json:"tool_name"`
	Args        interface{} `json:"args"`
	Agent       string      `json:"agent"`
	Interactive bool        `json:"interactive"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from the given rego module content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads a policy file, falling back to the default policy
// when the path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
	}
	return NewEngine(ctx, content)
}

// Evaluate checks the tool policy and returns allow, require_approval or
// block. A policy that yields nothing defaults to allow.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	decision, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned non-string decision: %v", results[0].Expressions[0].Value)
	}
	switch decision {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
		return decision, nil
	}
	return "", fmt.Errorf("policy returned unknown decision %q", decision)
}

// DefaultPolicy allows everything except oversized code executions, which
// need operator approval before they hit the sandbox.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

decision = "require_approval" {
	input.tool_name == "execute_code"
	count(input.args.code) > 4000
}
`
