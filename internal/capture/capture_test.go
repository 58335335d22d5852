package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"testing"

	"chatrelay/internal/eventloop"
	"chatrelay/internal/locator"
	"chatrelay/internal/probe"
	"chatrelay/internal/script"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeProber answers every probe with a fixed value and records scripts.
type fakeProber struct {
	q       eventloop.Queue
	value   string
	err     error
	scripts []script.Script
}

func (f *fakeProber) Evaluate(s script.Script, cb func(probe.Result)) {
	f.scripts = append(f.scripts, s)
	res := probe.Result{Kind: s.Kind, Raw: json.RawMessage(f.value), Err: f.err}
	f.q.Post(func() { cb(res) })
}

func TestEncode_DownscalesToMaxWidth(t *testing.T) {
	img, err := Encode(pngBytes(t, 400, 200), EncodeOptions{MaxWidth: 100})
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 100 || img.Height != 50 {
		t.Errorf("size = %dx%d, want 100x50", img.Width, img.Height)
	}
	if img.MIME != "image/png" || img.Name != "screenshot.png" {
		t.Errorf("MIME/Name = %s %s", img.MIME, img.Name)
	}
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil || len(raw) != img.Size {
		t.Errorf("data does not decode to %d bytes: %v", img.Size, err)
	}
}

func TestEncode_JPEG(t *testing.T) {
	img, err := Encode(pngBytes(t, 40, 20), EncodeOptions{Format: "jpeg", Quality: 70, BaseName: "shot"})
	if err != nil {
		t.Fatal(err)
	}
	if img.MIME != "image/jpeg" || img.Name != "shot.jpg" {
		t.Errorf("MIME/Name = %s %s", img.MIME, img.Name)
	}
	if img.Width != 40 {
		t.Errorf("Width = %d, small images are not resized", img.Width)
	}
}

func TestEncode_RejectsNonImage(t *testing.T) {
	if _, err := Encode([]byte("plain text, not pixels"), EncodeOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Encode(nil, EncodeOptions{}); err == nil {
		t.Fatal("expected error for empty capture")
	}
}

func TestCaptureAndAttach_AttachesImage(t *testing.T) {
	q := &eventloop.Manual{}
	fp := &fakeProber{q: q, value: "true"}
	raw := pngBytes(t, 10, 10)
	s := New(Config{
		Enabled: true,
		Source:  SourceFunc(func(context.Context) ([]byte, error) { return raw, nil }),
		Probe:   fp,
		Queue:   q,
		Runner:  eventloop.Inline{},
		Logger:  quietLogger(),
	})

	done := 0
	s.CaptureAndAttach(locator.Set{FileInputs: locator.Chain{`input[type="file"]`}}, func() { done++ })
	q.RunPending()

	if done != 1 {
		t.Fatalf("onDone ran %d times", done)
	}
	if len(fp.scripts) != 1 || fp.scripts[0].Kind != script.KindAttach {
		t.Fatalf("scripts = %v", fp.scripts)
	}
	if !strings.Contains(fp.scripts[0].Source, `"screenshot.png"`) {
		t.Error("file name not embedded")
	}
}

func TestCaptureAndAttach_FailuresStillProceed(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		source  Source
		value   string
		err     error
		probes  int
	}{
		{"disabled", false, nil, "true", nil, 0},
		{"capture error", true, SourceFunc(func(context.Context) ([]byte, error) { return nil, errors.New("no display") }), "true", nil, 0},
		{"no file input", true, nil, "false", nil, 1},
		{"probe error", true, nil, "", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &eventloop.Manual{}
			fp := &fakeProber{q: q, value: tt.value, err: tt.err}
			src := tt.source
			if src == nil && tt.enabled {
				raw := pngBytes(t, 8, 8)
				src = SourceFunc(func(context.Context) ([]byte, error) { return raw, nil })
			}
			s := New(Config{Enabled: tt.enabled, Source: src, Probe: fp, Queue: q, Runner: eventloop.Inline{}, Logger: quietLogger()})

			done := 0
			s.CaptureAndAttach(locator.Set{}, func() { done++ })
			q.RunPending()
			if done != 1 {
				t.Errorf("onDone ran %d times, want 1", done)
			}
			if len(fp.scripts) != tt.probes {
				t.Errorf("probes = %d, want %d", len(fp.scripts), tt.probes)
			}
		})
	}
}

func TestCommand_Unconfigured(t *testing.T) {
	if _, err := (Command{}).Capture(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
