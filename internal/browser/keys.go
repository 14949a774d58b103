package browser

import "fmt"

// keyDef carries the CDP key identity for one canonical named key.
// Text is non-empty only for keys that insert characters.
type keyDef struct {
	key     string
	code    string
	keyCode int
	text    string
}

// namedKeys is the canonical set accepted from clients. Anything else
// is rejected with ErrUnknownKey rather than passed through to the page.
var namedKeys = map[string]keyDef{
	"Enter":      {"Enter", "Enter", 13, "\r"},
	"Backspace":  {"Backspace", "Backspace", 8, ""},
	"Tab":        {"Tab", "Tab", 9, "\t"},
	"Escape":     {"Escape", "Escape", 27, ""},
	"Delete":     {"Delete", "Delete", 46, ""},
	"ArrowUp":    {"ArrowUp", "ArrowUp", 38, ""},
	"ArrowDown":  {"ArrowDown", "ArrowDown", 40, ""},
	"ArrowLeft":  {"ArrowLeft", "ArrowLeft", 37, ""},
	"ArrowRight": {"ArrowRight", "ArrowRight", 39, ""},
	"Home":       {"Home", "Home", 36, ""},
	"End":        {"End", "End", 35, ""},
	"PageUp":     {"PageUp", "PageUp", 33, ""},
	"PageDown":   {"PageDown", "PageDown", 34, ""},
	"Space":      {" ", "Space", 32, " "},
}

// lookupKey resolves a client key name to its CDP definition.
func lookupKey(name string) (keyDef, error) {
	def, ok := namedKeys[name]
	if !ok {
		return keyDef{}, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return def, nil
}
