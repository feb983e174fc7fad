package relay

import (
	"context"
)

// RegisterCodeTools exposes runner as "execute_code" and "check_syntax"
// tools on reg, letting the coder and reviewer specialists validate and
// run generated code through the same CodeRunner contract the rest of
// the code-execution layer implements (code.SubprocessRunner, code.HTTPRunner).
// dispatch bridges call_tool() invocations from inside the running code
// back to reg itself.
func RegisterCodeTools(reg *ToolRegistry, runner CodeRunner) {
	dispatch := func(ctx context.Context, tc ToolCall) DispatchResult {
		result, err := reg.Execute(ctx, tc.Name, tc.Args)
		if err != nil {
			return DispatchResult{Content: err.Error(), IsError: true}
		}
		if !result.Success && result.Error != "" {
			return DispatchResult{Content: result.Error, IsError: true}
		}
		return DispatchResult{Content: result.Content}
	}

	reg.Register(ToolSpec{
		Name:        "execute_code",
		Description: "Execute generated code in a sandboxed runtime and return its output",
		Category:    "code",
		Timeout:     0,
		Parameters: []ParamDescriptor{
			{Name: "code", Type: ParamString, Description: "source code to run", Required: true},
			{Name: "runtime", Type: ParamString, Description: "execution runtime (python, node)", Default: "python"},
		},
	}, func(ctx context.Context, params map[string]any) (any, error) {
		code, _ := params["code"].(string)
		runtime, _ := params["runtime"].(string)
		result, err := runner.Run(ctx, CodeRequest{Code: code, Runtime: runtime}, dispatch)
		if err != nil {
			return nil, err
		}
		return result, nil
	})

	reg.Register(ToolSpec{
		Name:        "check_syntax",
		Description: "Check whether generated code runs without error; the code is executed through the code runner",
		Category:    "code",
		Parameters: []ParamDescriptor{
			{Name: "code", Type: ParamString, Description: "source code to check", Required: true},
		},
	}, func(ctx context.Context, params map[string]any) (any, error) {
		code, _ := params["code"].(string)
		result, err := runner.Run(ctx, CodeRequest{Code: code}, dispatch)
		if err != nil {
			return map[string]any{"valid": false, "error": err.Error()}, nil
		}
		return map[string]any{"valid": result.ExitCode == 0 && result.Error == "", "error": result.Error}, nil
	})
}
