package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// renderer prints server events as a chat transcript. Streaming assistant
// content is written inline as it arrives.
type renderer struct {
	w       io.Writer
	verbose bool
	// streaming is set between an assistant START and its END.
	streaming bool
}

func (r *renderer) render(ev map[string]any) {
	typ, _ := ev["type"].(string)
	switch typ {
	case "TEXT_MESSAGE_START":
		role, _ := ev["role"].(string)
		if content, ok := ev["content"].(string); ok && content != "" {
			fmt.Fprintf(r.w, "%s: %s\n", role, content)
			return
		}
		fmt.Fprintf(r.w, "%s: ", role)
		r.streaming = true

	case "TEXT_MESSAGE_CONTENT":
		content, _ := ev["content"].(string)
		fmt.Fprint(r.w, content)

	case "TEXT_MESSAGE_END":
		if r.streaming {
			fmt.Fprintln(r.w)
			r.streaming = false
		}

	case "TOOL_CALL_START":
		fmt.Fprintf(r.w, "[tool] %v %s\n", ev["tool_name"], compact(ev["arguments"]))

	case "TOOL_CALL_END":
		fmt.Fprintf(r.w, "[tool] %v -> %s\n", ev["tool_name"], compact(ev["result"]))

	case "STATE_SNAPSHOT":
		state, _ := ev["state"].(map[string]any)
		fmt.Fprintf(r.w, "[state] snapshot: %s\n", strings.Join(keys(state), ", "))
		if r.verbose {
			fmt.Fprintf(r.w, "        %s\n", compact(state))
		}

	case "STATE_DELTA":
		if r.verbose {
			fmt.Fprintf(r.w, "[state] delta: %s\n", compact(ev["delta"]))
		}

	case "CUSTOM":
		data, _ := ev["data"].(map[string]any)
		if data["event_type"] == "heartbeat" && !r.verbose {
			return
		}
		if msg, ok := data["message"].(string); ok {
			fmt.Fprintf(r.w, "* %s\n", msg)
			return
		}
		fmt.Fprintf(r.w, "* %v\n", data["event_type"])

	case "RUN_ERROR":
		fmt.Fprintf(r.w, "[error] %v\n", ev["error"])

	case "pong":
		fmt.Fprintln(r.w, "[pong]")

	default:
		if r.verbose {
			fmt.Fprintf(r.w, "[%s] %s\n", typ, compact(ev))
		}
	}
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// command turns one line of user input into an outbound message. The
// second result is false for lines that should not be sent.
func command(line string) (map[string]any, bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil, false
	case "/state":
		return map[string]any{"type": "get_state"}, true
	case "/ping":
		return map[string]any{"type": "ping"}, true
	case "/reset":
		return map[string]any{"type": "reset"}, true
	}
	return map[string]any{"type": "user_message", "content": line}, true
}
