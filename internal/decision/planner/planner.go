// Package planner turns task goals and observations into execution-plan
// fragments by prompting a language model and validating what comes back.
// The model is untrusted: every response is schema-checked, tool-checked
// against the goal's allow-list, and repaired through one clarification
// round before the planner gives up.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jtarasov/wayfarer/internal/decision/model"
	"github.com/jtarasov/wayfarer/internal/llm"
	"github.com/jtarasov/wayfarer/internal/tools"
)

// PlannerError reports a plan generation that failed after all repair
// attempts.
type PlannerError struct {
	Attempts int
	Detail   string
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("planner: no valid plan after %d attempts: %s", e.Attempts, e.Detail)
}

// Planner generates and repairs execution plans.
type Planner struct {
	client llm.Client
	tools  *tools.Registry
	model  string
	log    zerolog.Logger

	// repairRounds is how many clarification retries follow a response
	// that fails validation.
	repairRounds int
}

func New(client llm.Client, reg *tools.Registry, modelName string, log zerolog.Logger) *Planner {
	return &Planner{
		client:       client,
		tools:        reg,
		model:        modelName,
		log:          log.With().Str("component", "planner").Logger(),
		repairRounds: 1,
	}
}

// Plan asks the model for an initial execution plan for the goal.
func (p *Planner) Plan(ctx context.Context, goal *model.TaskGoal, obs *model.WebObservation, memory string) ([]*model.ExecutionNode, error) {
	user := p.planPrompt(goal, obs, memory)
	return p.generate(ctx, goal, user)
}

// Correct asks the model for a short corrective plan after failed's tool
// call exhausted its retries. The returned nodes are meant to be injected
// under the failed node.
func (p *Planner) Correct(ctx context.Context, goal *model.TaskGoal, failed *model.ExecutionNode, obs *model.WebObservation, memory string) ([]*model.ExecutionNode, error) {
	user := p.correctionPrompt(goal, failed, obs, memory)
	return p.generate(ctx, goal, user)
}

func (p *Planner) generate(ctx context.Context, goal *model.TaskGoal, user string) ([]*model.ExecutionNode, error) {
	system := p.systemPrompt(goal)
	var lastDetail string

	for attempt := 0; attempt <= p.repairRounds; attempt++ {
		prompt := user
		if attempt > 0 {
			prompt = fmt.Sprintf("%s\n\nThe previous response failed validation at %s. Return only the corrected JSON object.", user, lastDetail)
		}
		resp, err := p.complete(ctx, llm.Request{
			Model:     p.model,
			System:    system,
			User:      prompt,
			ForceJSON: true,
		})
		if err != nil {
			return nil, fmt.Errorf("planner: completion: %w", err)
		}

		nodes, err := p.parsePlan(resp.Content, goal)
		if err == nil {
			p.log.Debug().Int("nodes", len(nodes)).Int("attempt", attempt+1).Msg("plan accepted")
			return nodes, nil
		}
		lastDetail = err.Error()
		p.log.Warn().Str("detail", lastDetail).Int("attempt", attempt+1).Msg("plan rejected")
	}
	return nil, &PlannerError{Attempts: p.repairRounds + 1, Detail: lastDetail}
}

// complete runs one model call, retrying once when the transport reports a
// retryable failure (rate limit, server error, timeout). The retry shares
// the caller's context, so it stays inside the round's time budget.
func (p *Planner) complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := p.client.Complete(ctx, req)
	if err == nil || !llm.Retryable(err) || ctx.Err() != nil {
		return resp, err
	}
	p.log.Warn().Err(err).Msg("transport error, retrying")
	return p.client.Complete(ctx, req)
}

type planEnvelope struct {
	ExecutionPlan []*model.ExecutionNode `json:"execution_plan"`
}

// parsePlan validates raw model output against the plan schema, applies
// defaults, and rejects unknown or disallowed tools.
func (p *Planner) parsePlan(raw string, goal *model.TaskGoal) ([]*model.ExecutionNode, error) {
	body := stripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return nil, fmt.Errorf("response: not valid JSON: %v", err)
	}
	schema, err := model.PlanSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("execution_plan: %v", err)
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("execution_plan: %v", err)
	}

	seen := make(map[string]bool, len(env.ExecutionPlan))
	for i, n := range env.ExecutionPlan {
		n.ApplyDefaults()
		if err := model.ValidateNode(n, goal); err != nil {
			return nil, fmt.Errorf("execution_plan[%d].%v", i, err)
		}
		if !p.tools.Has(n.Action.ToolName) {
			return nil, fmt.Errorf("execution_plan[%d].action.tool_name: unknown tool %q", i, n.Action.ToolName)
		}
		if seen[n.NodeID] {
			return nil, fmt.Errorf("execution_plan[%d].node_id: duplicate id %q", i, n.NodeID)
		}
		seen[n.NodeID] = true
	}
	return env.ExecutionPlan, nil
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite the JSON response format.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
