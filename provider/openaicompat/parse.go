package openaicompat

import (
	maestro "github.com/nevindra/maestro"
)

// ParseResponse converts an OpenAI-format ChatResponse to a maestro
// ChatResponse. It extracts content and usage from choices[0] and carries
// the serving model name through.
func ParseResponse(resp ChatResponse) (maestro.ChatResponse, error) {
	out := maestro.ChatResponse{Model: resp.Model}

	if len(resp.Choices) == 0 {
		return out, nil
	}

	if msg := resp.Choices[0].Message; msg != nil {
		out.Content = msg.Content
	}
	if resp.Usage != nil {
		out.Usage = maestro.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}
