package tutor

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultVoice is the prebuilt voice the tutor speaks with.
const DefaultVoice = "Kore"

// DefaultGrade is used when the student profile carries no grade.
const DefaultGrade = "Grade 1"

// DefaultInstructions is the base teacher persona.
const DefaultInstructions = `You are "Fidel AI" (ፊደል ኤአይ), an expert Ethiopian teacher assistant.
EXCLUSIVELY use Amharic (አማርኛ).
TOPIC: Secular education ONLY (Math, Physics, Biology, Chemistry, History, Geography, Civics, English) for Grade KG-12.
CURRICULUM: Strictly follow the Ethiopian National Curriculum context.

MANDATORY RULES:
1. NO RELIGION. NO POLITICS. If asked, say: "እኔ የትምህርት ረዳት ነኝ። በትምህርትዎ ላይ ጥያቄ ካለዎት እባክዎን ይጠይቁኝ።"
2. Explain complex concepts (like gravity, mitosis, or algebraic equations) in simple, conversational Amharic.
3. Use Ethiopian names (Abebe, Chala, Mulu) and places (Addis Ababa, Lalibela, Gonder) in your examples.
4. Be encouraging and supportive. You are here to help students succeed in their national exams.
5. KEEP RESPONSES SHORT. This is a voice interface. Don't lecture too long in one go.`

// personaSuffix is appended to every system instruction.
const personaSuffix = "Respond instantly. Be concise. High-quality Ethiopian teacher persona."

// Grades lists the grade levels a student profile may carry.
var Grades = []string{
	"KG", "Grade 1", "Grade 2", "Grade 3", "Grade 4",
	"Grade 5", "Grade 6", "Grade 7", "Grade 8",
	"Grade 9", "Grade 10", "Grade 11", "Grade 12",
}

// ValidGrade reports whether g is one of [Grades].
func ValidGrade(g string) bool { return slices.Contains(Grades, g) }

// Persona is the tutor's character and the student it is talking to.
type Persona struct {
	// Instructions is the base persona. Empty means [DefaultInstructions].
	Instructions string `yaml:"instructions"`

	// Grade is the student's grade level, e.g. "Grade 7". Empty omits the
	// student profile paragraph.
	Grade string `yaml:"grade"`
}

// SystemInstruction renders the text sent to the model when a session opens:
// the base persona, the student profile when a grade is known, and the fixed
// delivery suffix.
func (p Persona) SystemInstruction() string {
	var b strings.Builder
	base := strings.TrimSpace(p.Instructions)
	if base == "" {
		base = DefaultInstructions
	}
	b.WriteString(base)

	if g := strings.TrimSpace(p.Grade); g != "" {
		fmt.Fprintf(&b, "\nSTUDENT PROFILE: Currently in %s.\n", g)
		b.WriteString("Tailor your language complexity, terminology, and depth of explanation to a student in this specific grade. ")
		b.WriteString("A KG student needs stories and basic counting, while a Grade 12 student needs technical depth for national exams.")
	}

	b.WriteString("\n")
	b.WriteString(personaSuffix)
	return b.String()
}
