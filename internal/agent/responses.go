package agent

import "strings"

type kind int

const (
	kindDefault kind = iota
	kindGreeting
	kindHelp
	kindToolDemo
)

var keywords = []struct {
	kind  kind
	words []string
}{
	{kindGreeting, []string{"hello", "hi", "hey", "你好", "您好"}},
	{kindHelp, []string{"help", "what can you do", "帮助", "功能"}},
	{kindToolDemo, []string{"tool", "demo", "工具", "演示"}},
}

// classify picks the reply category for messages that need no tool.
func classify(message string) kind {
	lower := strings.ToLower(message)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	})
	for _, kw := range keywords {
		for _, w := range kw.words {
			if strings.Contains(w, " ") || !isASCII(w) {
				if strings.Contains(lower, w) {
					return kw.kind
				}
				continue
			}
			for _, f := range fields {
				if f == w {
					return kw.kind
				}
			}
		}
	}
	return kindDefault
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

var templates = map[kind][]string{
	kindGreeting: {
		"Hello! I'm the AG-UI assistant. How can I help you today?",
		"Welcome to AG-UI! Tell me what you need and I'll take care of it.",
		"Hi there! I'm an assistant built on the AG-UI protocol, ready when you are.",
	},
	kindHelp: {
		"I can answer questions, call tools for weather, arithmetic and web search, and keep our shared state in sync.",
		"Try asking for the weather in a city, to calculate an expression, or to search for something.",
	},
	kindToolDemo: {
		"Let me show you tool calling. Ask me to calculate 2 + 3 * 4 or for the weather in Paris.",
		"I have three tools: get_weather, calculate and search_web. Mention one and I'll call it.",
	},
	kindDefault: {
		"That's an interesting question. Let me think about it.",
		"Here is how I see it.",
		"Let me help you work through that.",
	},
}
