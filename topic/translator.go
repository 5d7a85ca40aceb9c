package topic

import "strings"

// Translator converts topics between the logical and the wire form. The
// conversion is purely textual: delimiter characters embedded in segment
// content are not escaped.
type Translator struct {
	Enabled bool
}

// NewTranslator returns a translator with translation turned on.
func NewTranslator() Translator {
	return Translator{Enabled: true}
}

// ToWire converts a logical topic into its wire form.
func (t Translator) ToWire(logical string) string {
	if !t.Enabled {
		return logical
	}
	return strings.ReplaceAll(logical, Delimiter, WireDelimiter)
}

// ToLogical converts a wire topic into its logical form.
func (t Translator) ToLogical(wire string) string {
	if !t.Enabled {
		return wire
	}
	return strings.ReplaceAll(wire, WireDelimiter, Delimiter)
}
