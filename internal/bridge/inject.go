package bridge

import (
	"bytes"
	"strings"
)

// ScriptElement wraps source in an inline <script> element.
func ScriptElement(source string) []byte {
	var b bytes.Buffer
	b.WriteString("<script>\n")
	// A literal </script> inside the source would end the element early.
	b.WriteString(strings.ReplaceAll(source, "</script", `<\/script`))
	b.WriteString("\n</script>\n")
	return b.Bytes()
}

// InjectIntoHTML inserts the bundle into an HTML document: before </head>
// when present, otherwise after <head>, <body ...> or <html ...>, and as a
// last resort at the very start.
func InjectIntoHTML(body []byte, opts Options) []byte {
	return insertScript(body, ScriptElement(Bundle(opts)))
}

// ShouldInject reports whether a response with contentType is HTML.
func ShouldInject(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

func insertScript(body, script []byte) []byte {
	if idx := bytes.Index(body, []byte("</head>")); idx != -1 {
		return splice(body, script, idx)
	}
	if idx := bytes.Index(body, []byte("<head>")); idx != -1 {
		return splice(body, script, idx+len("<head>"))
	}
	for _, open := range [][]byte{[]byte("<body"), []byte("<html")} {
		idx := bytes.Index(body, open)
		if idx == -1 {
			continue
		}
		if end := bytes.IndexByte(body[idx:], '>'); end != -1 {
			return splice(body, script, idx+end+1)
		}
	}
	return splice(body, script, 0)
}

func splice(body, script []byte, at int) []byte {
	out := make([]byte, 0, len(body)+len(script))
	out = append(out, body[:at]...)
	out = append(out, script...)
	return append(out, body[at:]...)
}
