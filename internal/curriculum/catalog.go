package curriculum

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrLessonNotFound is returned when a lesson id is not in the catalog
var ErrLessonNotFound = errors.New("curriculum: lesson not found")

//go:embed default.yaml
var defaultCatalog []byte

// Kind is the type of lesson
type Kind string

const (
	KindVocabulary Kind = "vocabulary"
	KindRoleplay   Kind = "roleplay"
)

// Alternative is one example phrasing for a vocabulary item
type Alternative struct {
	Example string `yaml:"example" json:"example"`
	Audio   string `yaml:"audio,omitempty" json:"audio,omitempty"`
}

// Item is one vocabulary word with its example phrasings
type Item struct {
	Word         string        `yaml:"word" json:"word"`
	Context      string        `yaml:"context" json:"context"`
	Alternatives []Alternative `yaml:"alternatives" json:"alternatives"`
}

// Line is one scripted dialogue turn
type Line struct {
	Speaker string `yaml:"speaker" json:"speaker"`
	Text    string `yaml:"text" json:"text"`
}

// Prompt is an instruction shown to the learner with suggested replies
type Prompt struct {
	Instruction string   `yaml:"instruction" json:"instruction"`
	Suggested   []string `yaml:"suggested" json:"suggested"`
}

// Lesson is one curriculum section
type Lesson struct {
	ID       string `yaml:"id" json:"id"`
	Title    string `yaml:"title" json:"title"`
	Section  string `yaml:"section" json:"section"`
	Language string `yaml:"language" json:"language"`
	Kind     Kind   `yaml:"kind" json:"kind"`

	// Vocabulary lessons
	Items []Item `yaml:"items,omitempty" json:"items,omitempty"`

	// Role-play lessons
	Scenario string   `yaml:"scenario,omitempty" json:"scenario,omitempty"`
	Dialogue []Line   `yaml:"dialogue,omitempty" json:"dialogue,omitempty"`
	Prompts  []Prompt `yaml:"prompts,omitempty" json:"prompts,omitempty"`
}

// Alternatives returns the number of phrasings per item
func (l *Lesson) Alternatives() int {
	if len(l.Items) == 0 {
		return 0
	}
	return len(l.Items[0].Alternatives)
}

// Catalog is a read-only set of lessons keyed by id
type Catalog struct {
	lessons map[string]*Lesson
	order   []string
}

type catalogFile struct {
	Lessons []Lesson `yaml:"lessons"`
}

// Default returns the catalog shipped with the binary
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file; an empty path loads the default catalog
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open curriculum: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a catalog from r
func Read(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read curriculum: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates catalog YAML
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse curriculum: %w", err)
	}

	c := &Catalog{lessons: make(map[string]*Lesson, len(file.Lessons))}
	for i := range file.Lessons {
		lesson := &file.Lessons[i]
		if err := lesson.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.lessons[lesson.ID]; dup {
			return nil, fmt.Errorf("duplicate lesson id %q", lesson.ID)
		}
		c.lessons[lesson.ID] = lesson
		c.order = append(c.order, lesson.ID)
	}
	return c, nil
}

// Lesson returns the lesson with the given id
func (c *Catalog) Lesson(id string) (*Lesson, error) {
	lesson, ok := c.lessons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	return lesson, nil
}

// Lessons returns all lessons in catalog order
func (c *Catalog) Lessons() []*Lesson {
	out := make([]*Lesson, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.lessons[id])
	}
	return out
}

// Sections returns the distinct section names, sorted
func (c *Catalog) Sections() []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range c.lessons {
		if l.Section != "" && !seen[l.Section] {
			seen[l.Section] = true
			out = append(out, l.Section)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks a lesson's shape
func (l *Lesson) Validate() error {
	if l.ID == "" {
		return errors.New("lesson id is required")
	}
	switch l.Kind {
	case KindVocabulary:
		return l.validateVocabulary()
	case KindRoleplay:
		return l.validateRoleplay()
	default:
		return fmt.Errorf("lesson %q: unknown kind %q", l.ID, l.Kind)
	}
}

func (l *Lesson) validateVocabulary() error {
	if len(l.Items) == 0 {
		return fmt.Errorf("lesson %q: vocabulary lesson has no items", l.ID)
	}
	want := len(l.Items[0].Alternatives)
	if want == 0 {
		return fmt.Errorf("lesson %q: item %q has no alternatives", l.ID, l.Items[0].Word)
	}
	for _, item := range l.Items {
		if len(item.Alternatives) != want {
			return fmt.Errorf("lesson %q: item %q has %d alternatives, want %d",
				l.ID, item.Word, len(item.Alternatives), want)
		}
	}
	return nil
}

func (l *Lesson) validateRoleplay() error {
	for i := 1; i < len(l.Dialogue); i++ {
		if l.Dialogue[i].Speaker == l.Dialogue[i-1].Speaker {
			return fmt.Errorf("lesson %q: dialogue lines %d and %d are both spoken by %q",
				l.ID, i-1, i, l.Dialogue[i].Speaker)
		}
	}
	return nil
}
