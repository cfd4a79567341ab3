package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tool names understood by the simulator.
const (
	ToolWeather   = "get_weather"
	ToolCalculate = "calculate"
	ToolSearch    = "search_web"
)

// ToolSpec describes a tool in the JSON-schema shape clients display.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func stringParam(name, desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			name: map[string]any{"type": "string", "description": desc},
		},
		"required": []any{name},
	}
}

// Tools lists the simulated tools in a stable order.
var Tools = []ToolSpec{
	{Name: ToolWeather, Description: "Get the current weather for a city", Parameters: stringParam("city", "City name")},
	{Name: ToolCalculate, Description: "Evaluate an arithmetic expression", Parameters: stringParam("expression", "Arithmetic expression")},
	{Name: ToolSearch, Description: "Search the web", Parameters: stringParam("query", "Search keywords")},
}

func toolNames() []any {
	out := make([]any, len(Tools))
	for i, t := range Tools {
		out[i] = t.Name
	}
	return out
}

const (
	defaultCity       = "Beijing"
	defaultExpression = "2 + 2"
	defaultQuery      = "AG-UI protocol"
)

var (
	cityPattern = regexp.MustCompile(`(?i)\b(?:in|for|at)\s+([\p{L}][\p{L}'-]*)`)
	mathPattern = regexp.MustCompile(`[0-9+\-*/().\s]+`)
	digit       = regexp.MustCompile(`[0-9]`)
	searchWords = regexp.MustCompile(`(?i)\b(?:search(?:\s+for)?|look\s+up)\b|搜索`)
)

// pickTool chooses a tool and its arguments from the user's text.
func pickTool(message string) (string, map[string]any, bool) {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "weather") || strings.Contains(message, "天气"):
		city := defaultCity
		if m := cityPattern.FindStringSubmatch(message); m != nil {
			city = strings.TrimSpace(m[1])
		}
		return ToolWeather, map[string]any{"city": city}, true

	case strings.Contains(lower, "calculate") || strings.Contains(message, "计算"):
		expr := defaultExpression
		for _, m := range mathPattern.FindAllString(message, -1) {
			if digit.MatchString(m) {
				expr = strings.TrimSpace(m)
				break
			}
		}
		return ToolCalculate, map[string]any{"expression": expr}, true

	case strings.Contains(lower, "search") || strings.Contains(message, "搜索"):
		query := strings.TrimSpace(searchWords.ReplaceAllString(message, ""))
		query = strings.Trim(query, " ?!.:")
		if query == "" {
			query = defaultQuery
		}
		return ToolSearch, map[string]any{"query": query}, true
	}
	return "", nil, false
}

var weatherConditions = []string{"sunny", "cloudy", "light rain", "overcast"}

// runTool executes a simulated tool. Failures are reported inside the
// result under "error", the way a remote tool would report them.
func (s *Simulator) runTool(name string, args map[string]any) map[string]any {
	switch name {
	case ToolWeather:
		city, _ := args["city"].(string)
		return map[string]any{
			"city":        city,
			"temperature": s.intn(15, 30),
			"condition":   weatherConditions[s.intn(0, len(weatherConditions)-1)],
			"humidity":    s.intn(40, 80),
			"wind_speed":  s.intn(5, 20),
		}

	case ToolCalculate:
		expr, _ := args["expression"].(string)
		v, err := Evaluate(expr)
		if err != nil {
			return map[string]any{"expression": expr, "error": err.Error()}
		}
		return map[string]any{"expression": expr, "result": v}

	case ToolSearch:
		query, _ := args["query"].(string)
		results := make([]any, 0, 3)
		for i := 1; i <= 3; i++ {
			results = append(results, map[string]any{
				"title": fmt.Sprintf("%s - result %d", query, i),
				"url":   fmt.Sprintf("https://example.com/%d", i),
			})
		}
		return map[string]any{
			"query":         query,
			"results":       results,
			"total_results": s.intn(100, 10000),
		}
	}
	return map[string]any{"error": "unknown tool: " + name}
}

// describeResult renders a tool result as the assistant's reply.
func describeResult(name string, result map[string]any) string {
	if msg, ok := result["error"].(string); ok {
		return fmt.Sprintf("Sorry, %s failed: %s", name, msg)
	}

	switch name {
	case ToolWeather:
		return fmt.Sprintf("Weather in %v: %v°C, %v, humidity %v%%, wind %v km/h",
			result["city"], result["temperature"], result["condition"], result["humidity"], result["wind_speed"])

	case ToolCalculate:
		v, _ := result["result"].(float64)
		return fmt.Sprintf("Result: %v = %s", result["expression"], strconv.FormatFloat(v, 'f', -1, 64))

	case ToolSearch:
		var b strings.Builder
		fmt.Fprintf(&b, "Results for %q (%v total):", result["query"], result["total_results"])
		results, _ := result["results"].([]any)
		for i, r := range results {
			entry, _ := r.(map[string]any)
			fmt.Fprintf(&b, "\n%d. %v %v", i+1, entry["title"], entry["url"])
		}
		return b.String()
	}

	data, _ := json.Marshal(result)
	return fmt.Sprintf("Tool %s finished: %s", name, data)
}
