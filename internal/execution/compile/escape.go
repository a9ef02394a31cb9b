package compile

import "strings"

// pyEscape makes a user-controlled string safe inside a double-quoted
// Python string literal.
var pyReplacer = strings.NewReplacer(
	"\\", "\\\\",
	"\"", "\\\"",
	"\n", "\\n",
	"\r", "\\r",
	"\t", "\\t",
)

func pyEscape(value string) string {
	return pyReplacer.Replace(value)
}

// xmlEscape entity-escapes a user-controlled string for use in XML
// attribute values and text.
var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&apos;",
)

func xmlEscape(value string) string {
	return xmlReplacer.Replace(value)
}
