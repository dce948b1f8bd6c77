package curriculum

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if len(c.Lessons()) < 3 {
		t.Fatalf("Lessons() = %d, want at least 3", len(c.Lessons()))
	}

	l, err := c.Lesson("greetings-basics")
	if err != nil {
		t.Fatalf("Lesson() error = %v", err)
	}
	if l.Kind != KindVocabulary || len(l.Items) != 2 || l.Alternatives() != 3 {
		t.Fatalf("greetings-basics = kind %s, %d items x %d alternatives", l.Kind, len(l.Items), l.Alternatives())
	}

	rp, err := c.Lesson("cafe-order")
	if err != nil {
		t.Fatalf("Lesson() error = %v", err)
	}
	if rp.Kind != KindRoleplay || len(rp.Dialogue) != 7 || len(rp.Prompts) != 3 {
		t.Fatalf("cafe-order = %+v", rp)
	}

	if got := c.Sections(); len(got) != 2 || got[0] != "basics" || got[1] != "travel" {
		t.Fatalf("Sections() = %v", got)
	}
}

func TestLessonNotFound(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if _, err := c.Lesson("missing"); !errors.Is(err, ErrLessonNotFound) {
		t.Fatalf("Lesson(missing) error = %v, want ErrLessonNotFound", err)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "duplicate ids",
			yaml: `
lessons:
  - {id: a, kind: roleplay}
  - {id: a, kind: roleplay}
`,
			wantErr: "duplicate lesson id",
		},
		{
			name: "uneven alternatives",
			yaml: `
lessons:
  - id: v
    kind: vocabulary
    items:
      - word: one
        alternatives: [{example: a}, {example: b}]
      - word: two
        alternatives: [{example: c}]
`,
			wantErr: "has 1 alternatives, want 2",
		},
		{
			name: "consecutive speakers",
			yaml: `
lessons:
  - id: r
    kind: roleplay
    dialogue:
      - {speaker: Clerk, text: Hello}
      - {speaker: Clerk, text: Anyone there?}
`,
			wantErr: "both spoken by",
		},
		{
			name:    "unknown kind",
			yaml:    "lessons:\n  - {id: x, kind: quiz}\n",
			wantErr: "unknown kind",
		},
		{
			name:    "missing id",
			yaml:    "lessons:\n  - {kind: roleplay}\n",
			wantErr: "id is required",
		},
		{
			name:    "empty vocabulary",
			yaml:    "lessons:\n  - {id: v, kind: vocabulary}\n",
			wantErr: "has no items",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessons.yaml")
	content := `
lessons:
  - id: tiny
    title: Tiny
    kind: vocabulary
    items:
      - word: hi
        alternatives: [{example: hi there}]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if l, err := c.Lesson("tiny"); err != nil || l.Title != "Tiny" {
		t.Fatalf("Lesson(tiny) = %v, %v", l, err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if c, err := Load(""); err != nil || len(c.Lessons()) == 0 {
		t.Fatalf("Load(\"\") = %v, want default catalog", err)
	}
}
