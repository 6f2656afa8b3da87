package planner

import (
	"fmt"
	"strings"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// maxElementsInPrompt caps how many page elements an observation summary
// lists; pages routinely expose hundreds.
const maxElementsInPrompt = 20

func (p *Planner) systemPrompt(goal *model.TaskGoal) string {
	nodeSchema, _ := model.SchemaJSON(model.KindExecutionNode)
	var b strings.Builder
	b.WriteString("You are a web automation planner. You control a browser through the tools listed below.\n")
	fmt.Fprintf(&b, "Persona: %s. Environment: %s.\n\n", goal.CurrentAgentPersona, goal.ExecutionEnvironment)

	b.WriteString("AVAILABLE TOOLS (use only these):\n")
	b.WriteString(p.tools.Guide(goal.AllowedActions))

	b.WriteString("\nRespond with a single JSON object of the form {\"execution_plan\": [node, ...]}.\n")
	b.WriteString("Each node must satisfy this schema:\n")
	b.WriteString(nodeSchema)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Order steps by execution_order_priority; lower runs first.\n")
	b.WriteString("- Reference an earlier node's output in tool_args as ${node_id.resolved_output}.\n")
	b.WriteString("- required_precondition is a boolean expression over refs; use \"True\" when unconditional.\n")
	b.WriteString("- Keep plans short and concrete. Do not include commentary outside the JSON object.\n")
	return b.String()
}

func (p *Planner) planPrompt(goal *model.TaskGoal, obs *model.WebObservation, memory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n", goal.TargetDescription)
	if len(goal.RequiredData) > 0 {
		b.WriteString("REQUIRED DATA:\n")
		for k, v := range goal.RequiredData {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
	}
	b.WriteString("\n")
	writeObservation(&b, obs)
	writeMemory(&b, memory)
	b.WriteString("\nTASK: Generate the execution plan that achieves the goal from the current page state.")
	return b.String()
}

func (p *Planner) correctionPrompt(goal *model.TaskGoal, failed *model.ExecutionNode, obs *model.WebObservation, memory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ORIGINAL GOAL: %s\n\n", goal.TargetDescription)
	fmt.Fprintf(&b, "CONTEXT: The step '%s' FAILED.\n", failed.Action.ToolName)
	fmt.Fprintf(&b, "ERROR MESSAGE: %s\n\n", failed.FailureReason)
	writeObservation(&b, obs)
	writeMemory(&b, memory)
	b.WriteString("\nTASK: Generate a short corrective plan (1-3 steps) to recover from this failure and achieve the original goal.")
	return b.String()
}

func writeObservation(b *strings.Builder, obs *model.WebObservation) {
	if obs == nil {
		b.WriteString("CURRENT PAGE: no page loaded yet.\n")
		return
	}
	fmt.Fprintf(b, "CURRENT PAGE: %s (http %d, loaded in %dms, browser %s)\n",
		orBlank(obs.CurrentURL), obs.HTTPStatusCode, obs.PageLoadTimeMS, obs.BrowserHealthStatus)
	if fb := obs.LastActionFeedback; fb != nil {
		fmt.Fprintf(b, "LAST ACTION: %s (%s) %s\n", fb.Status, fb.ErrorCode, fb.Message)
	}
	if len(obs.KeyElements) > 0 {
		b.WriteString("VISIBLE ELEMENTS:\n")
		for i, el := range obs.KeyElements {
			if i == maxElementsInPrompt {
				fmt.Fprintf(b, "  ... and %d more\n", len(obs.KeyElements)-maxElementsInPrompt)
				break
			}
			fmt.Fprintf(b, "  [%s] <%s> %q xpath=%s clickable=%v\n",
				el.ElementID, el.TagName, el.InnerText, el.XPath, el.IsClickable)
		}
	}
}

func writeMemory(b *strings.Builder, memory string) {
	if strings.TrimSpace(memory) == "" {
		return
	}
	fmt.Fprintf(b, "EXECUTION HISTORY:\n%s\n", memory)
}

func orBlank(s string) string {
	if s == "" {
		return "(blank)"
	}
	return s
}
