package maestro

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Templates holds the canonical answers for categories that never reach a
// model: greetings, capability questions, and status queries. Values loaded
// from a YAML file overlay the built-in defaults field by field.
type Templates struct {
	Greeting     string `yaml:"greeting"`
	Capabilities string `yaml:"capabilities"`
	Status       string `yaml:"status"`
}

// DefaultTemplates returns the built-in canonical answers.
func DefaultTemplates() Templates {
	return Templates{
		Greeting: "Привет! Я оркестратор задач: принимаю цель, разбиваю её на подзадачи и распределяю " +
			"между исполнителями. Опишите, что нужно сделать.",
		Capabilities: "Я умею:\n" +
			"- отвечать на вопросы с опорой на локальную базу знаний;\n" +
			"- разбивать сложные цели на подзадачи и выполнять их параллельно;\n" +
			"- подбирать исполнителей по специализации и следить за качеством результата;\n" +
			"- эскалировать спорные решения на совет моделей.\n" +
			"Доступа к интернету у меня нет.",
		Status: "Все подсистемы в строю. Очередь задач и исполнители работают в штатном режиме; " +
			"подробности доступны на /status.",
	}
}

// LoadTemplates reads a YAML template file and overlays it on the defaults.
// A missing path (or path set to "") returns the defaults unchanged; a file
// that exists but fails to parse is an error, not a silent fallback.
func LoadTemplates(path string) (Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("maestro: read templates %s: %w", path, err)
	}
	var overlay Templates
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return t, fmt.Errorf("maestro: parse templates %s: %w", path, err)
	}
	if s := strings.TrimSpace(overlay.Greeting); s != "" {
		t.Greeting = s
	}
	if s := strings.TrimSpace(overlay.Capabilities); s != "" {
		t.Capabilities = s
	}
	if s := strings.TrimSpace(overlay.Status); s != "" {
		t.Status = s
	}
	return t, nil
}

// For returns the canonical answer for a category, if one exists.
func (t Templates) For(cat Category) (string, bool) {
	switch cat {
	case CategoryGreeting:
		return t.Greeting, true
	case CategoryWhatCanYouDo:
		return t.Capabilities, true
	case CategoryStatusQuery:
		return t.Status, true
	}
	return "", false
}
