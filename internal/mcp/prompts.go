package mcp

import "fmt"

// Prompt is one static prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	render      func(args map[string]string) string
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// promptMessage is the prompts/get wire shape.
type promptMessage struct {
	Role    string        `json:"role"`
	Content promptContent `json:"content"`
}

type promptContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// builtinPrompts returns the static prompt set. The prompts capability is
// advertised, so the list must not be empty.
func builtinPrompts() []*Prompt {
	return []*Prompt{
		{
			Name:        "goodnight_house",
			Description: "Walk through shutting the house down for the night: lights, blinds, alarm.",
			render: func(_ map[string]string) string {
				return "Put the house to bed: check every room's lights with the room overview " +
					"resources, turn remaining lights off, lower all blinds with control_all_rolladen, " +
					"verify door and window contacts via loxone://sensors/door-window, then arm the " +
					"alarm in away mode. Report anything left open."
			},
		},
		{
			Name:        "morning_report",
			Description: "Summarize the house state for the morning.",
			Arguments: []PromptArgument{
				{Name: "room", Description: "Focus room for the climate summary", Required: false},
			},
			render: func(args map[string]string) string {
				room := args["room"]
				if room == "" {
					room = "every room"
				}
				return fmt.Sprintf("Give a short morning report: outside weather from "+
					"loxone://weather/current, temperatures for %s from loxone://climate/overview, "+
					"any open contacts, and any motion overnight.", room)
			},
		},
		{
			Name:        "energy_review",
			Description: "Review current power consumption and flag unusual loads.",
			render: func(_ map[string]string) string {
				return "Read the power and energy sensors (loxone://devices/category/sensor), list " +
					"the largest current loads, and flag anything running that usually is not at " +
					"this hour."
			},
		},
	}
}

// Render produces the prompts/get result for a prompt.
func (p *Prompt) Render(args map[string]string) any {
	return map[string]any{
		"description": p.Description,
		"messages": []promptMessage{
			{
				Role:    "user",
				Content: promptContent{Type: "text", Text: p.render(args)},
			},
		},
	}
}
