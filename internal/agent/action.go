// internal/agent/action.go
package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionKind names one member of the fixed browser capability set.
type ActionKind string

const (
	KindNavigate ActionKind = "navigate"
	KindClick    ActionKind = "click"
	KindFill     ActionKind = "fill"
	KindEvaluate ActionKind = "evaluate"
	KindWait     ActionKind = "wait"
	// KindScroll is never requested by the model. Evaluate calls that only
	// scroll the page are recorded under it for loop detection.
	KindScroll ActionKind = "scroll"
)

// Tool names as declared to the decision model.
const (
	ToolNavigate = "navigate"
	ToolClick    = "click"
	ToolFill     = "fill"
	ToolEvaluate = "evaluate"
	ToolWait     = "wait_for_timeout"
)

// MaxWait caps a single wait action.
const MaxWait = 60 * time.Second

// Action is a closed set of browser operations. The unexported marker method
// keeps implementations inside this package so type switches stay exhaustive.
type Action interface {
	Kind() ActionKind
	// Target is the URL, selector or script the action is aimed at.
	Target() string
	// Describe renders the action the way it is reported back to the model.
	Describe() string
	isAction()
}

// Navigate loads a URL and waits for the configured ready condition.
type Navigate struct {
	URL string
}

// Click clicks the first element matching a CSS selector.
type Click struct {
	Selector string
}

// Fill replaces the value of a form field.
type Fill struct {
	Selector string
	Value    string
}

// Evaluate runs a script in the page and returns its value.
type Evaluate struct {
	Script string
}

// Wait suspends for a fixed duration.
type Wait struct {
	Duration time.Duration
}

func (Navigate) Kind() ActionKind { return KindNavigate }
func (Click) Kind() ActionKind    { return KindClick }
func (Fill) Kind() ActionKind     { return KindFill }
func (Evaluate) Kind() ActionKind { return KindEvaluate }
func (Wait) Kind() ActionKind     { return KindWait }

func (a Navigate) Target() string { return a.URL }
func (a Click) Target() string    { return a.Selector }
func (a Fill) Target() string     { return a.Selector }
func (a Evaluate) Target() string { return a.Script }
func (Wait) Target() string       { return "" }

func (a Navigate) Describe() string { return fmt.Sprintf("navigate(url=%q)", a.URL) }
func (a Click) Describe() string    { return fmt.Sprintf("click(selector=%q)", a.Selector) }
func (a Fill) Describe() string {
	return fmt.Sprintf("fill(selector=%q, value=%q)", a.Selector, a.DisplayValue())
}

// DisplayValue is the value as it may appear in text the run records.
func (a Fill) DisplayValue() string {
	if IsSensitiveField(a.Selector) {
		return MaskedValue
	}
	return a.Value
}
func (a Evaluate) Describe() string {
	return fmt.Sprintf("evaluate(script=%q)", truncate(a.Script, 120))
}
func (a Wait) Describe() string {
	return fmt.Sprintf("wait_for_timeout(seconds=%s)", formatSeconds(a.Duration))
}

func (Navigate) isAction() {}
func (Click) isAction()    {}
func (Fill) isAction()     {}
func (Evaluate) isAction() {}
func (Wait) isAction()     {}

// ParseAction converts a tool call into an Action. An undeclared tool name
// yields an *UnknownActionError; missing or mistyped arguments yield an
// *ActionError with ErrCodeInvalidParameters.
func ParseAction(name string, args map[string]any) (Action, error) {
	switch name {
	case ToolNavigate:
		u, err := requireString(name, args, "url")
		if err != nil {
			return nil, err
		}
		return Navigate{URL: u}, nil
	case ToolClick:
		sel, err := requireString(name, args, "selector")
		if err != nil {
			return nil, err
		}
		return Click{Selector: sel}, nil
	case ToolFill:
		sel, err := requireString(name, args, "selector")
		if err != nil {
			return nil, err
		}
		// An empty value is legal: it clears the field.
		val, ok := args["value"]
		if !ok {
			return nil, invalidParams(name, "missing required argument 'value'")
		}
		s, ok := stringify(val)
		if !ok {
			return nil, invalidParams(name, "argument 'value' must be a string")
		}
		return Fill{Selector: sel, Value: s}, nil
	case ToolEvaluate:
		script, err := requireString(name, args, "script")
		if err != nil {
			return nil, err
		}
		return Evaluate{Script: script}, nil
	case ToolWait:
		secs, err := requireNumber(name, args, "seconds")
		if err != nil {
			return nil, err
		}
		if secs < 0 {
			return nil, invalidParams(name, "argument 'seconds' must not be negative")
		}
		d := time.Duration(secs * float64(time.Second))
		if d > MaxWait {
			return nil, invalidParams(name, fmt.Sprintf("argument 'seconds' must not exceed %s", formatSeconds(MaxWait)))
		}
		return Wait{Duration: d}, nil
	default:
		return nil, &UnknownActionError{Name: name}
	}
}

func requireString(tool string, args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", invalidParams(tool, fmt.Sprintf("missing required argument '%s'", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidParams(tool, fmt.Sprintf("argument '%s' must be a string", key))
	}
	if strings.TrimSpace(s) == "" {
		return "", invalidParams(tool, fmt.Sprintf("argument '%s' must not be empty", key))
	}
	return s, nil
}

// requireNumber accepts JSON numbers and numeric strings, which some models emit.
func requireNumber(tool string, args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, invalidParams(tool, fmt.Sprintf("missing required argument '%s'", key))
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, invalidParams(tool, fmt.Sprintf("argument '%s' must be a number", key))
}

// stringify accepts scalars for fill values; models sometimes send numbers.
func stringify(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

func invalidParams(tool, msg string) *ActionError {
	return &ActionError{Code: ErrCodeInvalidParameters, Action: tool, Message: msg}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
