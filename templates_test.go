package maestro

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultTemplates(t *testing.T) {
	d := DefaultTemplates()
	if d.Greeting == "" || d.Capabilities == "" || d.Status == "" {
		t.Fatalf("defaults incomplete: %+v", d)
	}
}

func TestTemplatesFor(t *testing.T) {
	d := DefaultTemplates()
	tests := []struct {
		cat  Category
		want string
		ok   bool
	}{
		{CategoryGreeting, d.Greeting, true},
		{CategoryWhatCanYouDo, d.Capabilities, true},
		{CategoryStatusQuery, d.Status, true},
		{CategoryCoding, "", false},
		{CategorySimple, "", false},
	}
	for _, tt := range tests {
		got, ok := d.For(tt.cat)
		if ok != tt.ok || got != tt.want {
			t.Errorf("For(%s) = %q, %t", tt.cat, got, ok)
		}
	}
}

func TestLoadTemplatesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := "greeting: \"Здравствуйте! Чем могу помочь?\"\nstatus: \"  \"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tpl, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if tpl.Greeting != "Здравствуйте! Чем могу помочь?" {
		t.Errorf("Greeting = %q", tpl.Greeting)
	}
	// Unset and blank fields keep the defaults.
	d := DefaultTemplates()
	if tpl.Capabilities != d.Capabilities {
		t.Errorf("Capabilities overridden unexpectedly")
	}
	if tpl.Status != d.Status {
		t.Errorf("blank Status must keep the default, got %q", tpl.Status)
	}
}

func TestLoadTemplatesMissingFile(t *testing.T) {
	tpl, err := LoadTemplates(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if tpl != DefaultTemplates() {
		t.Error("missing file must return the defaults")
	}

	tpl, err = LoadTemplates("")
	if err != nil || tpl != DefaultTemplates() {
		t.Errorf("empty path must return defaults, got %+v, %v", tpl, err)
	}
}

func TestLoadTemplatesParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	os.WriteFile(path, []byte("greeting: [unclosed"), 0o644)
	if _, err := LoadTemplates(path); err == nil {
		t.Error("expected parse error for broken YAML")
	} else if !strings.Contains(err.Error(), "templates") {
		t.Errorf("error = %v", err)
	}
}
