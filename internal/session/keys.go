package session

// keyEscapes maps symbolic key names to the escape sequence written to
// the PTY in their place (spec §4.6 SendInput).
var keyEscapes = map[string]string{
	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",

	"f1":  "\x1bOP",
	"f2":  "\x1bOQ",
	"f3":  "\x1bOR",
	"f4":  "\x1bOS",
	"f5":  "\x1b[15~",
	"f6":  "\x1b[17~",
	"f7":  "\x1b[18~",
	"f8":  "\x1b[19~",
	"f9":  "\x1b[20~",
	"f10": "\x1b[21~",
	"f11": "\x1b[23~",
	"f12": "\x1b[24~",

	"enter":        "\r",
	"ctrl_enter":   "\n",
	"shift_enter":  "\x1b\r",
	"backspace":    "\x7f",
	"tab":          "\t",
	"shift_tab":    "\x1b[Z",
	"page_up":      "\x1b[5~",
	"page_down":    "\x1b[6~",
	"home":         "\x1b[H",
	"end":          "\x1b[F",
	"delete":       "\x1b[3~",
	"escape":       "\x1b",
}

// resolveKey returns the escape sequence for a symbolic key name, and
// whether the name was recognized.
func resolveKey(key string) (string, bool) {
	seq, ok := keyEscapes[key]
	return seq, ok
}
