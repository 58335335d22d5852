package locator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPresets_AreValid(t *testing.T) {
	for _, name := range PresetNames() {
		site, err := Preset(name)
		if err != nil {
			t.Fatalf("Preset(%q): %v", name, err)
		}
		if err := site.Locators.Validate(); err != nil {
			t.Errorf("preset %s invalid: %v", name, err)
		}
		if site.URL == "" {
			t.Errorf("preset %s has no URL", name)
		}
	}
}

func TestPreset_DefaultAndUnknown(t *testing.T) {
	site, err := Preset("")
	if err != nil || site.Name != DefaultSite {
		t.Fatalf("Preset(\"\") = %q, %v", site.Name, err)
	}
	if _, err := Preset("nope"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestChain_Prepend(t *testing.T) {
	got := Chain{"a", "b"}.Prepend(Chain{"c", "a", " "})
	want := Chain{"c", "a", "b"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSet_MergeOverrideThenPrepend(t *testing.T) {
	base := Set{TextEntries: Chain{"textarea"}, SendTriggers: Chain{"button"}}
	got := base.Merge(
		Set{SendTriggers: Chain{".send"}},
		Set{TextEntries: Chain{"#composer"}},
	)
	if strings.Join(got.TextEntries, ",") != "#composer,textarea" {
		t.Errorf("TextEntries = %v", got.TextEntries)
	}
	if strings.Join(got.SendTriggers, ",") != ".send" {
		t.Errorf("SendTriggers = %v", got.SendTriggers)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	err := Set{StopIndicators: Chain{"button[", "::"}}.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"textEntries", "replyMessages", `"button["`} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestLoad_MissingFileUsesPreset(t *testing.T) {
	site, err := Load("chatgpt", filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if site.Name != "chatgpt" {
		t.Errorf("Name = %q", site.Name)
	}
}

func TestLoad_AppliesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locators.yaml")
	data := "preset: gemini\nurl: https://example.test/chat\nprepend:\n  textEntries: ['#box']\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	site, err := Load("doubao", path)
	if err != nil {
		t.Fatal(err)
	}
	if site.Name != "gemini" || site.URL != "https://example.test/chat" {
		t.Errorf("site = %s %s", site.Name, site.URL)
	}
	if site.Locators.TextEntries[0] != "#box" {
		t.Errorf("TextEntries = %v", site.Locators.TextEntries)
	}
}

func TestLoad_RejectsBadSelector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locators.yaml")
	if err := os.WriteFile(path, []byte("override:\n  sendTriggers: ['button[']\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("doubao", path); err == nil {
		t.Fatal("expected validation error")
	}
}

const page = `<html><body>
<div class="chat">
  <div data-role="user-message">hello there</div>
  <div class="msg-bubble">first answer</div>
  <div class="msg-bubble">second answer</div>
</div>
<textarea class="semi-input-textarea"></textarea>
<button class="send-btn">go</button>
</body></html>`

func TestDocument_ResolveFirstMatchWins(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	site, _ := Preset("doubao")

	m := doc.Resolve("textEntries", site.Locators.TextEntries)
	if m.Selector != "textarea.semi-input-textarea" || m.Index != 1 || m.Count != 1 {
		t.Errorf("textEntries match = %+v", m)
	}

	m = doc.Resolve("replyMessages", site.Locators.ReplyMessages)
	if m.Selector != "div.msg-bubble" || m.Count != 2 {
		t.Errorf("replyMessages match = %+v", m)
	}
	if got := doc.LastText(m.Selector); got != "second answer" {
		t.Errorf("LastText = %q", got)
	}

	m = doc.Resolve("stopIndicators", site.Locators.StopIndicators)
	if m.Found() {
		t.Errorf("stop indicator unexpectedly found: %+v", m)
	}
}

func TestDocument_CheckCoversEveryList(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	site, _ := Preset("doubao")
	got := doc.Check(site.Locators)
	if len(got) != len(ListNames()) {
		t.Fatalf("got %d matches, want %d", len(got), len(ListNames()))
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locators.yaml")
	if err := os.WriteFile(path, []byte("preset: doubao\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Site, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, WatchConfig{Path: path, Debounce: 20 * time.Millisecond}, func(s Site) { got <- s })
	}()

	// Give the watcher time to register before editing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case s := <-got:
			// A reload can race a half-written file; wait for the final one.
			if s.Name != "chatgpt" {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte("preset: chatgpt\n"), 0o600)
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestHolder_StoreLoad(t *testing.T) {
	var h Holder
	if h.Load().Name != "" {
		t.Fatal("zero holder not empty")
	}
	site, _ := Preset("gemini")
	h.Store(site)
	if h.Load().Name != "gemini" {
		t.Errorf("Load = %q", h.Load().Name)
	}
}
