package maestro

import (
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "привет", "привет"},
		{"zero-width space", "по​гугли", "по гугли"},
		{"soft hyphen removed", "ин­тернет", "интернет"},
		{"fullwidth latin", "ｇｏｏｇｌｅ", "google"},
		{"ligature", "ﬁnd", "find"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.in); got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveProject(t *testing.T) {
	p := NewPolicy([]string{"alpha", "beta", " ", ""}, "general")

	tests := []struct {
		in   string
		want string
	}{
		{"alpha", "alpha"},
		{" beta ", "beta"},
		{"", "general"},
		{"unknown", "general"},
		{"general", "general"},
	}
	for _, tt := range tests {
		if got := p.ResolveProject(tt.in); got != tt.want {
			t.Errorf("ResolveProject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if !p.IsRegistered("alpha") || !p.IsRegistered("general") {
		t.Error("registered projects not recognized")
	}
	if p.IsRegistered("unknown") {
		t.Error("unknown project reported as registered")
	}
}

func TestBlocksWeb(t *testing.T) {
	p := NewPolicy(nil, "general")

	blockedGoals := []string{
		"найди в интернете последние новости",
		"Погугли, как настроить nginx",
		"открой сайт с документацией",
		"search the web for golang generics",
		"прочитай https://example.com/article и перескажи",
		"Google IT and summarize",
	}
	for _, goal := range blockedGoals {
		if ok, pattern := p.BlocksWeb(goal); !ok {
			t.Errorf("BlocksWeb(%q) = false, want blocked", goal)
		} else if pattern == "" {
			t.Errorf("BlocksWeb(%q) returned empty pattern", goal)
		}
	}

	allowedGoals := []string{
		"напиши HTTP-сервер на Go",
		"объясни, как работает протокол http",
		"найди ошибку в этом коде",
		"расскажи про поисковые алгоритмы",
	}
	for _, goal := range allowedGoals {
		if ok, pattern := p.BlocksWeb(goal); ok {
			t.Errorf("BlocksWeb(%q) = true (%q), want allowed", goal, pattern)
		}
	}
}

func TestBlocksWebObfuscated(t *testing.T) {
	p := NewPolicy(nil, "general")

	// Zero-width characters and fullwidth letters must not dodge the check.
	if ok, _ := p.BlocksWeb("ｓｅａｒｃｈ ｔｈｅ ｗｅｂ for news"); !ok {
		t.Error("fullwidth obfuscation dodged the web block")
	}
	if ok, _ := p.BlocksWeb("погу­гли это"); !ok {
		t.Error("soft-hyphen obfuscation dodged the web block")
	}
}
