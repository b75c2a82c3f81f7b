// internal/agent/executor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Executor performs one browser side effect per action and converts every
// failure into data.
type Executor struct {
	logger  *zap.Logger
	browser Browser
}

// NewExecutor binds an executor to a browser session.
func NewExecutor(logger *zap.Logger, browser Browser) *Executor {
	return &Executor{
		logger:  logger.Named("executor"),
		browser: browser,
	}
}

// Execute parses and runs a tool call. The only error it returns is an
// *UnknownActionError, in which case no browser call was made.
func (e *Executor) Execute(ctx context.Context, call ToolCall) (ExecutedAction, error) {
	ex := ExecutedAction{CallID: call.ID, Tool: call.Name, Arguments: call.Arguments}

	action, err := ParseAction(call.Name, call.Arguments)
	if err != nil {
		var unknown *UnknownActionError
		if errors.As(err, &unknown) {
			ex.Unknown = true
			ex.Result = fmt.Sprintf("Error: %v. Available tools: %s", err, strings.Join(toolNames(), ", "))
			return ex, err
		}
		var ae *ActionError
		if !errors.As(err, &ae) {
			ae = &ActionError{Code: ErrCodeInvalidParameters, Action: call.Name, Message: err.Error()}
		}
		ex.Err = ae
		ex.Result = ae.Error()
		return ex, nil
	}

	ex.Action = action
	ex.Result, ex.Err = e.Run(ctx, action)
	if ex.Err != nil {
		ex.Result = ex.Err.Error()
	}
	return ex, nil
}

// Run dispatches a parsed action. Panics inside the browser layer are recovered.
func (e *Executor) Run(ctx context.Context, action Action) (result string, aerr *ActionError) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Action handler panicked", zap.String("action", string(action.Kind())), zap.Any("panic", r))
			result = ""
			aerr = &ActionError{Code: ErrCodeExecutorPanic, Action: toolName(action), Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	var err error
	switch a := action.(type) {
	case Navigate:
		if err = e.browser.Navigate(ctx, a.URL); err == nil {
			result = fmt.Sprintf("Navigated to %s", a.URL)
		}
	case Click:
		if err = e.browser.Click(ctx, a.Selector); err == nil {
			result = fmt.Sprintf("Clicked element: %s", a.Selector)
		}
	case Fill:
		if err = e.browser.Fill(ctx, a.Selector, a.Value); err == nil {
			result = fmt.Sprintf("Filled '%s' with value: %s", a.Selector, a.DisplayValue())
		}
	case Evaluate:
		var v any
		if v, err = e.browser.Evaluate(ctx, a.Script); err == nil {
			result, err = CanonicalText(v)
			if err != nil {
				return "", &ActionError{Code: ErrCodeJSONMarshalFailed, Action: ToolEvaluate, Message: err.Error()}
			}
		}
	case Wait:
		if err = e.browser.Wait(ctx, a.Duration); err == nil {
			result = fmt.Sprintf("Waited for %s seconds", formatSeconds(a.Duration))
		}
	default:
		// Unreachable while Action stays sealed.
		return "", &ActionError{Code: ErrCodeUnknownAction, Action: string(action.Kind()), Message: "no handler for action"}
	}

	if err != nil {
		code, details := ParseBrowserError(err, action)
		e.logger.Debug("Action failed", zap.String("code", string(code)), zap.Any("details", details))
		return "", &ActionError{Code: code, Action: toolName(action), Message: err.Error()}
	}
	if result == "" {
		result = "Tool executed successfully"
	}
	return result, nil
}

// ParseBrowserError classifies a driver error using message heuristics.
func ParseBrowserError(err error, action Action) (ErrorCode, map[string]interface{}) {
	errStr := err.Error()
	lower := strings.ToLower(errStr)
	details := map[string]interface{}{
		"message": errStr,
		"action":  string(action.Kind()),
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		if sel, ok := selectorOf(action); ok {
			details["selector"] = sel
		}
		return ErrCodeTimeoutError, details
	}
	if strings.Contains(errStr, "net::ERR") || action.Kind() == KindNavigate {
		return ErrCodeNavigationError, details
	}
	if strings.Contains(lower, "selector") || strings.Contains(lower, "no element found") || strings.Contains(lower, "not found") {
		if sel, ok := selectorOf(action); ok {
			details["selector"] = sel
		}
		return ErrCodeElementNotFound, details
	}
	if action.Kind() == KindEvaluate && (strings.Contains(lower, "exception") || strings.Contains(lower, "error")) {
		return ErrCodeScriptError, details
	}
	return ErrCodeExecutionFailure, details
}

// CanonicalText serializes an evaluate result. Objects and arrays become
// compact JSON; scalars keep their plain form.
func CanonicalText(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	}
	// jsoniter's standard config sorts map keys, so equal values serialize identically.
	b, err := json.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func selectorOf(a Action) (string, bool) {
	switch t := a.(type) {
	case Click:
		return t.Selector, true
	case Fill:
		return t.Selector, true
	}
	return "", false
}

func toolName(a Action) string {
	if a.Kind() == KindWait {
		return ToolWait
	}
	return string(a.Kind())
}

func toolNames() []string {
	specs := Catalogue()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
