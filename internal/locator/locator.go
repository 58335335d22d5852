// Package locator holds the priority-ordered element patterns used to find
// controls and content on the chat page. Lists are plain data: the probe
// scripts walk them in order and the first match wins, so sites can be
// supported or patched without touching the pipeline.
package locator

import (
	"fmt"
	"sort"
	"strings"
)

// Chain is an ordered list of CSS selectors. Earlier entries win.
type Chain []string

// First returns the first selector for which match reports true, and its
// position in the chain.
func (c Chain) First(match func(selector string) bool) (string, int, bool) {
	for i, sel := range c {
		if match(sel) {
			return sel, i, true
		}
	}
	return "", -1, false
}

// Prepend returns a new chain with extra placed ahead of c. Duplicates keep
// their earliest position.
func (c Chain) Prepend(extra Chain) Chain {
	out := make(Chain, 0, len(extra)+len(c))
	seen := make(map[string]bool, len(extra)+len(c))
	for _, list := range []Chain{extra, c} {
		for _, sel := range list {
			sel = strings.TrimSpace(sel)
			if sel == "" || seen[sel] {
				continue
			}
			seen[sel] = true
			out = append(out, sel)
		}
	}
	return out
}

// Set groups every list the pipeline needs.
type Set struct {
	FileInputs     Chain `yaml:"fileInputs,omitempty" json:"fileInputs,omitempty"`
	TextEntries    Chain `yaml:"textEntries,omitempty" json:"textEntries,omitempty"`
	SendTriggers   Chain `yaml:"sendTriggers,omitempty" json:"sendTriggers,omitempty"`
	UserMessages   Chain `yaml:"userMessages,omitempty" json:"userMessages,omitempty"`
	ReplyMessages  Chain `yaml:"replyMessages,omitempty" json:"replyMessages,omitempty"`
	StopIndicators Chain `yaml:"stopIndicators,omitempty" json:"stopIndicators,omitempty"`

	// ReplyMarkers are substrings of a reply container's class or data-role
	// that identify it as written by the remote party. Empty means every
	// reply container counts.
	ReplyMarkers []string `yaml:"replyMarkers,omitempty" json:"replyMarkers,omitempty"`
}

// Lists returns the set's chains keyed by their configuration name.
func (s Set) Lists() map[string]Chain {
	return map[string]Chain{
		"fileInputs":     s.FileInputs,
		"textEntries":    s.TextEntries,
		"sendTriggers":   s.SendTriggers,
		"userMessages":   s.UserMessages,
		"replyMessages":  s.ReplyMessages,
		"stopIndicators": s.StopIndicators,
	}
}

// ListNames returns the list names in a stable order.
func ListNames() []string {
	names := make([]string, 0, 6)
	for name := range (Set{}).Lists() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge applies override (non-empty lists replace) and then prepend (lists
// are placed ahead of the result).
func (s Set) Merge(override, prepend Set) Set {
	pick := func(base, over, pre Chain) Chain {
		if len(over) > 0 {
			base = over
		}
		return base.Prepend(pre)
	}
	out := Set{
		FileInputs:     pick(s.FileInputs, override.FileInputs, prepend.FileInputs),
		TextEntries:    pick(s.TextEntries, override.TextEntries, prepend.TextEntries),
		SendTriggers:   pick(s.SendTriggers, override.SendTriggers, prepend.SendTriggers),
		UserMessages:   pick(s.UserMessages, override.UserMessages, prepend.UserMessages),
		ReplyMessages:  pick(s.ReplyMessages, override.ReplyMessages, prepend.ReplyMessages),
		StopIndicators: pick(s.StopIndicators, override.StopIndicators, prepend.StopIndicators),
		ReplyMarkers:   s.ReplyMarkers,
	}
	if len(override.ReplyMarkers) > 0 {
		out.ReplyMarkers = override.ReplyMarkers
	}
	if len(prepend.ReplyMarkers) > 0 {
		out.ReplyMarkers = append(append([]string{}, prepend.ReplyMarkers...), out.ReplyMarkers...)
	}
	return out
}

// Site is a preset: a home URL plus the locators known to work on it.
type Site struct {
	Name     string
	URL      string
	Locators Set
}

// DefaultSite is the preset used when none is configured.
const DefaultSite = "doubao"

// Preset returns the named site preset.
func Preset(name string) (Site, error) {
	if name == "" {
		name = DefaultSite
	}
	switch strings.ToLower(name) {
	case "doubao":
		return doubao(), nil
	case "chatgpt":
		return chatGPT(), nil
	case "gemini":
		return gemini(), nil
	default:
		return Site{}, fmt.Errorf("unknown locator preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
}

// PresetNames lists the built-in presets.
func PresetNames() []string {
	return []string{"chatgpt", "doubao", "gemini"}
}

// fileInputDefaults are tried on every site after its own entries.
var fileInputDefaults = Chain{
	`input[type="file"]`,
	`input[accept*="image"]`,
	`input[data-testid*="upload"]`,
	`input[data-testid*="file"]`,
	`input[class*="upload"]`,
	`input[class*="file"]`,
	`.upload-button input`,
	`[class*="attachment"] input`,
	`[class*="file-input"]`,
}

func doubao() Site {
	return Site{
		Name: "doubao",
		URL:  "https://www.doubao.com/chat/",
		Locators: Set{
			FileInputs: fileInputDefaults.Prepend(Chain{`input.semi-upload-input`}),
			TextEntries: Chain{
				`textarea[data-testid="chat_input_input"]`,
				`textarea.semi-input-textarea`,
				`textarea[placeholder*="发消息"]`,
				`textarea`,
				`[contenteditable="true"]`,
				`.chat-input`,
				`[class*="input"] textarea`,
			},
			SendTriggers: Chain{
				`button[type="submit"]`,
				`button[class*="send"]`,
				`.send-button`,
				`button[aria-label*="发送"]`,
				`button[data-testid*="send"]`,
				`button.semi-button`,
			},
			UserMessages: Chain{
				`[data-role="user-message"]`,
				`[class*="user"]`,
				`[class*="role-user"]`,
				`[class*="msg-bubble"]`,
				`[class*="message"]`,
				`[data-testid*="message"]`,
				`div[class*="chat"] > div`,
				`.markdown-body`,
			},
			ReplyMessages: Chain{
				`div[data-testid="message_text_content"]`,
				`div.msg-bubble`,
				`div[class*="message-content"]`,
				`div[class*="markdown-body"]`,
				`div[class*="chat-message"]`,
				`.markdown-body`,
				`[class*="assistant"] > div`,
				`[data-role*="assistant"]`,
			},
			StopIndicators: Chain{
				`button[data-testid*="stop"]`,
				`button[aria-label*="停止"]`,
				`button[class*="stop"]`,
				`button[class*="abort"]`,
			},
			ReplyMarkers: []string{"assistant", "bot", "markdown-body"},
		},
	}
}

func chatGPT() Site {
	return Site{
		Name: "chatgpt",
		URL:  "https://chatgpt.com",
		Locators: Set{
			FileInputs:     fileInputDefaults,
			TextEntries:    Chain{`#prompt-textarea`, `textarea`, `[contenteditable="true"]`},
			SendTriggers:   Chain{`[data-testid='send-button']`, `button[aria-label*="Send"]`},
			UserMessages:   Chain{`[data-message-author-role="user"]`},
			ReplyMessages:  Chain{`[data-message-author-role="assistant"] .markdown`, `.markdown.prose`},
			StopIndicators: Chain{`button[data-testid="stop-button"]`, `.result-streaming`},
			ReplyMarkers:   []string{"markdown"},
		},
	}
}

func gemini() Site {
	return Site{
		Name: "gemini",
		URL:  "https://gemini.google.com",
		Locators: Set{
			FileInputs:     fileInputDefaults,
			TextEntries:    Chain{`.ql-editor`, `rich-textarea [contenteditable="true"]`},
			SendTriggers:   Chain{`.send-button`, `button[aria-label*="Send"]`},
			UserMessages:   Chain{`user-query`, `.query-text`},
			ReplyMessages:  Chain{`.response-content`, `message-content`},
			StopIndicators: Chain{`.loading-indicator`, `button[aria-label*="Stop"]`},
		},
	}
}
