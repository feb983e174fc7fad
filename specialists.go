package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// NewPlannerAgent builds a specialist that decomposes an instruction
// into a numbered, dependency-aware step list using the premium tier.
// budget and costTracker may be nil to run without spend enforcement.
func NewPlannerAgent(id string, coordinator *Coordinator, router *Router, tools *ToolRegistry, model string, budget *BudgetEnforcer, costTracker *CostTracker, pricing CostTable, period Period, logger *slog.Logger) *BaseAgent {
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return NewBaseAgent(id, "planner", []string{"planning", "decomposition"}, coordinator, router, tools,
		TierPremium, model, plannerSystemPrompt, processPlanningTask, budget, costTracker, pricing, period, logger)
}

// NewCoderAgent builds a specialist that generates code for an
// instruction using the cheap cloud tier, then validates syntax via the
// check_syntax tool when the registry exposes one. budget and
// costTracker may be nil to run without spend enforcement.
func NewCoderAgent(id string, coordinator *Coordinator, router *Router, tools *ToolRegistry, model string, budget *BudgetEnforcer, costTracker *CostTracker, pricing CostTable, period Period, logger *slog.Logger) *BaseAgent {
	if model == "" {
		model = "meta-llama/Llama-3.1-70B-Instruct-Turbo"
	}
	return NewBaseAgent(id, "coder", []string{"code_generation"}, coordinator, router, tools,
		TierCloudCheap, model, coderSystemPrompt, processCodingTask, budget, costTracker, pricing, period, logger)
}

// NewReviewerAgent builds a specialist that scores and critiques code
// using the premium tier, informed by static-analysis tool output.
// budget and costTracker may be nil to run without spend enforcement.
func NewReviewerAgent(id string, coordinator *Coordinator, router *Router, tools *ToolRegistry, model string, budget *BudgetEnforcer, costTracker *CostTracker, pricing CostTable, period Period, logger *slog.Logger) *BaseAgent {
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return NewBaseAgent(id, "reviewer", []string{"code_review"}, coordinator, router, tools,
		TierPremium, model, reviewerSystemPrompt, processReviewTask, budget, costTracker, pricing, period, logger)
}

// taskUserID extracts the end-user identity a task's LLM calls should be
// billed and budget-checked against, falling back to the agent's own ID
// when the task carries none (e.g. internal/system-originated tasks).
func taskUserID(agent *BaseAgent, task map[string]any) string {
	if userID, ok := task["user_id"].(string); ok && userID != "" {
		return userID
	}
	return agent.ID
}

const plannerSystemPrompt = `You are an expert task planner and project manager.

Your role:
1. Analyze complex tasks and break them down into clear, actionable steps
2. Identify dependencies between steps
3. Assign steps to appropriate specialist agents (coder, reviewer, searcher)
4. Estimate time requirements
5. Ensure plans are comprehensive yet efficient

Guidelines:
- Be specific and concrete in step descriptions
- Consider edge cases and error handling
- Optimize for parallel execution where possible
- Keep steps focused and single-purpose
- Always output valid JSON format`

func processPlanningTask(ctx context.Context, agent *BaseAgent, task map[string]any) (any, error) {
	instruction, _ := task["instruction"].(string)
	if instruction == "" {
		return map[string]string{"error": "no instruction provided"}, nil
	}

	prompt := fmt.Sprintf(`Break down the following task into concrete, actionable steps:

Task: %s

Respond with a JSON object containing:
{
  "summary": "Brief summary of the plan",
  "steps": [
    {
      "step_number": 1,
      "action": "Specific action to take",
      "agent": "Which agent should handle this (coder/reviewer/searcher)",
      "dependencies": []
    }
  ],
  "estimated_time": "Estimated completion time"
}

Plan:`, instruction)

	response, err := agent.CallLLM(ctx, taskUserID(agent, task), agent.Tier, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		return nil, err
	}

	var plan map[string]any
	if err := json.Unmarshal([]byte(response), &plan); err != nil {
		agent.logger.Error("failed to parse plan", "agent_id", agent.ID, "response", response)
		return map[string]any{
			"status":       "error",
			"error":        "failed to parse plan",
			"raw_response": response,
		}, nil
	}

	agent.Remember("last_plan", plan)

	return map[string]any{
		"status":  "success",
		"plan":    plan,
		"planner": agent.ID,
	}, nil
}

const coderSystemPrompt = `You are an expert software engineer.

Your role:
1. Generate clean, efficient, and maintainable code
2. Write comprehensive documentation and comments
3. Implement proper error handling
4. Follow best practices and idiomatic style
5. Consider edge cases and performance

Guidelines:
- Write self-documenting code
- Include helpful comments for complex logic
- Optimize for readability over cleverness
- Output valid JSON when requested`

func processCodingTask(ctx context.Context, agent *BaseAgent, task map[string]any) (any, error) {
	instruction, _ := task["instruction"].(string)
	taskContext, _ := task["context"].(string)
	if instruction == "" {
		return map[string]string{"error": "no instruction provided"}, nil
	}

	contextLine := ""
	if taskContext != "" {
		contextLine = "Context: " + taskContext
	}

	prompt := fmt.Sprintf(`Generate code for the following task:

Task: %s

%s

Requirements:
1. Write clean, well-documented code
2. Include type annotations where the language supports them
3. Add error handling
4. Follow the language's standard style guidelines
5. Include doc comments

Respond with JSON:
{
  "code": "Generated code here",
  "explanation": "Brief explanation of the implementation",
  "dependencies": ["List of required packages"],
  "test_cases": ["Example test cases"]
}

Response:`, instruction, contextLine)

	response, err := agent.CallLLM(ctx, taskUserID(agent, task), agent.Tier, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		agent.logger.Warn("non-JSON coder response, returning raw code", "agent_id", agent.ID)
		return map[string]any{
			"status": "success",
			"result": map[string]any{
				"code":        response,
				"explanation": "Generated code (raw format)",
			},
			"coder": agent.ID,
		}, nil
	}

	if code, ok := result["code"].(string); ok {
		syntaxResult, err := agent.UseTool(ctx, "check_syntax", map[string]any{"code": code})
		valid := false
		if err == nil && syntaxResult != "" {
			var parsed map[string]any
			if json.Unmarshal([]byte(syntaxResult), &parsed) == nil {
				valid, _ = parsed["valid"].(bool)
			}
		}
		result["syntax_valid"] = valid
		agent.Remember("last_code", code)
	}

	return map[string]any{
		"status": "success",
		"result": result,
		"coder":  agent.ID,
	}, nil
}

const reviewerSystemPrompt = `You are an expert code reviewer with deep knowledge of software engineering best practices.

Your role:
1. Analyze code for correctness, efficiency, and maintainability
2. Identify security vulnerabilities and potential bugs
3. Check adherence to style guidelines and best practices
4. Provide constructive, actionable feedback
5. Rate code quality objectively

Review criteria:
- Security: injection flaws, secrets in code
- Performance: complexity, unnecessary work, memory leaks
- Style: naming conventions, code organization
- Documentation: doc comments, type clarity
- Error handling: validation, edge cases
- Testing: testability, coverage potential

Guidelines:
- Be thorough but constructive
- Prioritize issues by severity
- Provide specific line numbers when possible
- Suggest concrete improvements
- Always output valid JSON format`

func processReviewTask(ctx context.Context, agent *BaseAgent, task map[string]any) (any, error) {
	code, _ := task["code"].(string)
	if code == "" {
		return map[string]string{"error": "no code provided"}, nil
	}

	parseResult, _ := agent.UseTool(ctx, "parse_code", map[string]any{"code": code})
	complexity, _ := agent.UseTool(ctx, "calculate_complexity", map[string]any{"code": code})
	todos, _ := agent.UseTool(ctx, "extract_todos", map[string]any{"code": code})
	dependencies, _ := agent.UseTool(ctx, "find_dependencies", map[string]any{"code": code})

	prompt := fmt.Sprintf(`Review the following code for quality, security, and best practices:

Code:
%s

Analysis data:
- Structure: %s
- Complexity: %s
- TODOs: %s
- Dependencies: %s

Provide a comprehensive review with JSON format:
{
  "overall_rating": "Excellent/Good/Fair/Poor",
  "score": 0-100,
  "strengths": ["List of strengths"],
  "issues": [
    {
      "severity": "critical/major/minor",
      "category": "security/performance/style/documentation",
      "description": "Issue description",
      "line": 0,
      "suggestion": "How to fix"
    }
  ],
  "suggestions": ["List of improvement suggestions"],
  "security_concerns": ["Any security issues"],
  "performance_notes": ["Performance considerations"],
  "approved": true
}

Review:`, code, orNA(parseResult), orNA(complexity), orNA(todos), orNA(dependencies))

	response, err := agent.CallLLM(ctx, taskUserID(agent, task), agent.Tier, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		return nil, err
	}

	var review map[string]any
	if err := json.Unmarshal([]byte(response), &review); err != nil {
		agent.logger.Error("failed to parse review", "agent_id", agent.ID, "response", response)
		return map[string]any{
			"status":       "error",
			"error":        "failed to parse review",
			"raw_response": response,
		}, nil
	}

	agent.Remember("last_review", review)

	return map[string]any{
		"status": "success",
		"review": review,
		"analysis": map[string]any{
			"complexity":   complexity,
			"todo_count":   todos,
			"dependencies": dependencies,
		},
		"reviewer": agent.ID,
	}, nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
