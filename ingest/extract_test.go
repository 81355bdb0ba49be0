package ingest

import (
	"strings"
	"testing"
)

func TestExtractMarkdownSections(t *testing.T) {
	md := "# Правила\n\nПервый абзац.\n\n## Оформление\n\nВторой абзац.\n\n```go\nfunc main() {}\n```\n"
	sections, err := extractMarkdown([]byte(md))
	if err != nil {
		t.Fatalf("extractMarkdown: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2: %+v", len(sections), sections)
	}
	if sections[0].Heading != "Правила" || sections[0].Text != "Первый абзац." {
		t.Errorf("section 0 = %+v", sections[0])
	}
	if sections[1].Heading != "Оформление" {
		t.Errorf("section 1 heading = %q", sections[1].Heading)
	}
	if !strings.Contains(sections[1].Text, "Второй абзац.") {
		t.Errorf("section 1 lost paragraph: %q", sections[1].Text)
	}
	if !strings.Contains(sections[1].Text, "func main() {}") {
		t.Errorf("section 1 lost code block: %q", sections[1].Text)
	}
}

func TestExtractMarkdownPreamble(t *testing.T) {
	md := "Вступление без заголовка.\n\n# Глава\n\nТекст главы."
	sections, err := extractMarkdown([]byte(md))
	if err != nil {
		t.Fatalf("extractMarkdown: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(sections))
	}
	if sections[0].Heading != "" || sections[0].Text != "Вступление без заголовка." {
		t.Errorf("preamble section = %+v", sections[0])
	}
	if sections[1].Heading != "Глава" {
		t.Errorf("heading = %q", sections[1].Heading)
	}
}

func TestExtractMarkdownStripsFormatting(t *testing.T) {
	md := "# Стиль\n\nИмена пишутся **жирным**, ссылки как [текст](https://example.com)."
	sections, err := extractMarkdown([]byte(md))
	if err != nil {
		t.Fatalf("extractMarkdown: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	text := sections[0].Text
	if strings.Contains(text, "**") || strings.Contains(text, "](") {
		t.Errorf("markup survived extraction: %q", text)
	}
	if !strings.Contains(text, "жирным") || !strings.Contains(text, "текст") {
		t.Errorf("inline text lost: %q", text)
	}
}

func TestExtractPlainText(t *testing.T) {
	sections := extractPlainText([]byte("  просто текст  \n"))
	if len(sections) != 1 || sections[0].Text != "просто текст" {
		t.Errorf("sections = %+v", sections)
	}
	if sections[0].Heading != "" {
		t.Error("plain text should have no heading")
	}
	if got := extractPlainText([]byte("   ")); got != nil {
		t.Errorf("blank content produced sections: %+v", got)
	}
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	if _, err := extractPDF(nil); err == nil {
		t.Error("expected error for empty content")
	}
	if _, err := extractPDF([]byte("это не pdf")); err == nil {
		t.Error("expected error for non-PDF bytes")
	}
}

func TestExtractHTMLRejectsEmpty(t *testing.T) {
	if _, err := extractHTML([]byte(""), "empty.html"); err == nil {
		t.Error("expected error for empty document")
	}
}

func TestContentTypeFromExtension(t *testing.T) {
	cases := []struct {
		ext  string
		want ContentType
	}{
		{"md", TypeMarkdown},
		{"MARKDOWN", TypeMarkdown},
		{".html", TypeHTML},
		{"htm", TypeHTML},
		{"pdf", TypePDF},
		{"txt", TypePlainText},
		{"docx", TypePlainText},
		{"", TypePlainText},
	}
	for _, tc := range cases {
		if got := ContentTypeFromExtension(tc.ext); got != tc.want {
			t.Errorf("ContentTypeFromExtension(%q) = %q, want %q", tc.ext, got, tc.want)
		}
	}
}

func TestSupportedFile(t *testing.T) {
	for _, path := range []string{"a.md", "b.PDF", "dir/c.html", "d.txt"} {
		if !SupportedFile(path) {
			t.Errorf("SupportedFile(%q) = false", path)
		}
	}
	for _, path := range []string{"e.docx", "f.csv", "noext", "g.json"} {
		if SupportedFile(path) {
			t.Errorf("SupportedFile(%q) = true", path)
		}
	}
}
