package exchange

import "strings"

// DefaultGenerationFraming is used when no generation prompt is configured.
var DefaultGenerationFraming = strings.Join([]string{
	"You are a social media writing assistant tasked with writing excellent short posts.",
	"Generate the best post possible for the user's request.",
	"If the user provides critique, respond with a revised version of your previous attempts.",
}, " ")

// DefaultReflectionFraming is used when no reflection prompt is configured.
var DefaultReflectionFraming = strings.Join([]string{
	"You are an experienced social media editor grading a post.",
	"Generate critique and recommendations for the user's post.",
	"Always provide detailed recommendations, including requests for length, virality, style, etc.",
}, " ")

// Framings holds the fixed system text of the two roles.
type Framings struct {
	Generation string
	Reflection string
}

// DefaultFramings returns the built-in framings.
func DefaultFramings() Framings {
	return Framings{
		Generation: DefaultGenerationFraming,
		Reflection: DefaultReflectionFraming,
	}
}

// WithDefaults fills blank framings from DefaultFramings.
func (f Framings) WithDefaults() Framings {
	if strings.TrimSpace(f.Generation) == "" {
		f.Generation = DefaultGenerationFraming
	}
	if strings.TrimSpace(f.Reflection) == "" {
		f.Reflection = DefaultReflectionFraming
	}
	return f
}
