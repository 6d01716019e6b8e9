package roles

import "strings"

// instructionSkeleton is the fixed prompt skeleton every persona's
// system_instruction is built from. It is deliberately generic rather than
// domain-specific: spec §4.B asks for one parametric template instructing
// natural conversational behavior, not a registry of per-domain templates.
const instructionSkeleton = `You are {{.Name}}, {{.Expertise}}.

Your perspective: {{.Perspective}}

You are participating in a multi-expert discussion on the following topic:
"{{.Topic}}"

Speak naturally and conversationally, as a human expert would in a panel
discussion. Address your peers by name when responding to their points.
Build on areas of agreement and be direct about disagreements. You are not
required to follow any fixed format, and you are not required to respond to
every point raised — work toward a shared, well-reasoned conclusion with the
other participants.`

// renderInstruction replaces the {{.Field}} placeholders the way the
// teacher's agent templates do: a flat map of literal placeholder strings,
// not a parsed text/template.
func renderInstruction(name, expertise, perspective, topic string) string {
	replacements := map[string]string{
		"{{.Name}}":        name,
		"{{.Expertise}}":   expertise,
		"{{.Perspective}}": perspective,
		"{{.Topic}}":       topic,
	}
	out := instructionSkeleton
	for placeholder, value := range replacements {
		out = strings.ReplaceAll(out, placeholder, value)
	}
	return out
}
