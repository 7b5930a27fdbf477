package domain

// Character is a persona's active in-world presence.
type Character struct {
	ID      string
	Persona PersonaID
	Name    string
	AreaKey string
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityTerminal Severity = "terminal"
)
