// Package script builds the JavaScript probes evaluated against the chat
// page. Every literal reaches the page through Quote, never through string
// concatenation.
package script

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"unicode"

	"chatrelay/internal/locator"
)

//go:embed js/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"quote": Quote,
	"chain": quoteList,
}).ParseFS(templateFS, "js/*.tmpl"))

// Kind names what a script asks of the page.
type Kind string

const (
	KindReady    Kind = "ready"
	KindBaseline Kind = "baseline"
	KindAttach   Kind = "attach"
	KindInject   Kind = "inject"
	KindSend     Kind = "send"
	KindEcho     Kind = "echo"
	KindReply    Kind = "reply"
)

// Script is a rendered probe.
type Script struct {
	Kind   Kind
	Source string
}

func (s Script) String() string { return string(s.Kind) }

// Quote renders s as a JavaScript string literal. The encoding is JSON,
// which escapes quotes, backslashes, control characters, U+2028, U+2029 and
// the HTML-sensitive <, > and &.
func Quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// json.Marshal never fails for a string.
		panic(err)
	}
	return string(b)
}

func quoteList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	parts := make([]string, len(list))
	for i, s := range list {
		parts[i] = Quote(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func render(kind Kind, data any) Script {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(kind)+".js.tmpl", data); err != nil {
		// Templates are compiled in; a failure here is a programming error.
		panic(fmt.Sprintf("render %s script: %v", kind, err))
	}
	return Script{Kind: kind, Source: buf.String()}
}

// Ready reports whether the page finished loading: no pending resources
// and every lazily loaded image or frame complete.
func Ready() Script {
	return render(KindReady, nil)
}

// Baseline counts the reply containers already rendered.
func Baseline(set locator.Set) Script {
	return render(KindBaseline, struct{ Locators locator.Set }{set})
}

// Attach decodes base64 data into a File and assigns it to the first
// enabled file input.
func Attach(set locator.Set, data, mime, name string) Script {
	return render(KindAttach, struct {
		Locators         locator.Set
		Data, MIME, Name string
	}{set, data, mime, name})
}

// Inject writes text into the first matching text entry and fires the
// events the page listens for.
func Inject(set locator.Set, text string) Script {
	return render(KindInject, struct {
		Locators locator.Set
		Text     string
	}{set, text})
}

// Send clicks the first enabled send trigger.
func Send(set locator.Set) Script {
	return render(KindSend, struct{ Locators locator.Set }{set})
}

// Echo checks whether the rendered page contains prefix outside the text
// entry.
func Echo(set locator.Set, prefix string) Script {
	return render(KindEcho, struct {
		Locators locator.Set
		Prefix   string
	}{set, prefix})
}

// Reply reports the state of the latest reply. Containers at or below
// baseline in count are treated as older replies.
func Reply(set locator.Set, baseline int) Script {
	if baseline < 0 {
		baseline = 0
	}
	return render(KindReply, struct {
		Locators locator.Set
		Baseline int
	}{set, baseline})
}

// EchoPrefix returns the first n runes of text with whitespace runs
// collapsed to one space, the form the echo probe searches for.
func EchoPrefix(text string, n int) string {
	collapsed := strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	if n <= 0 {
		return collapsed
	}
	r := []rune(collapsed)
	if len(r) > n {
		r = r[:n]
	}
	return strings.TrimSpace(string(r))
}
