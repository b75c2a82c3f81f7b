package agent

// ToolSpec declares one callable action to the decision model as a JSON-schema function.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Catalogue returns the fixed set of browser actions offered to the model.
// The order is stable so requests are reproducible.
func Catalogue() []ToolSpec {
	return []ToolSpec{
		{
			Name:        ToolNavigate,
			Description: "Navigate to a URL. Use this to visit web pages.",
			Parameters: objectSchema(map[string]any{
				"url": stringProp("The URL to navigate to (e.g., https://example.com)"),
			}, "url"),
		},
		{
			Name:        ToolClick,
			Description: "Click an element on the page using a CSS selector.",
			Parameters: objectSchema(map[string]any{
				"selector": stringProp("CSS selector for the element to click (e.g., '#submit-button', '.menu-item')"),
			}, "selector"),
		},
		{
			Name:        ToolFill,
			Description: "Fill a form field with a value.",
			Parameters: objectSchema(map[string]any{
				"selector": stringProp(`CSS selector for the input field (e.g., 'input[name="email"]')`),
				"value":    stringProp("The value to fill into the field"),
			}, "selector", "value"),
		},
		{
			Name:        ToolEvaluate,
			Description: "Execute JavaScript code in the browser and return the result.",
			Parameters: objectSchema(map[string]any{
				"script": stringProp("JavaScript code to execute (e.g., 'document.title', 'JSON.stringify({url: window.location.href})' or 'window.scrollBy(0, 500)' to scroll)"),
			}, "script"),
		},
		{
			Name:        ToolWait,
			Description: "Wait for a specified number of seconds. Use this to allow pages to load or animations to complete.",
			Parameters: objectSchema(map[string]any{
				"seconds": map[string]any{
					"type":        "number",
					"description": "Number of seconds to wait (can be decimal, e.g., 1.5)",
				},
			}, "seconds"),
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
