// Package questions loads the interview question bank from YAML files.
package questions

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-coach/internal/domain"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownInterview = errors.New("unknown interview")
	ErrQuestionIndex    = errors.New("question index out of range")
)

// Interview is a mock interview: a position and its ordered questions.
type Interview struct {
	ID          string            `yaml:"id" json:"id"`
	Position    string            `yaml:"position" json:"position"`
	Description string            `yaml:"description" json:"description"`
	Experience  int               `yaml:"experience" json:"experience"`
	TechStack   []string          `yaml:"tech_stack,omitempty" json:"tech_stack,omitempty"`
	Questions   []domain.Question `yaml:"questions" json:"questions"`
}

// Load reads one interview file.
func Load(path string) (Interview, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Interview{}, err
	}
	var iv Interview
	if err := yaml.Unmarshal(data, &iv); err != nil {
		return Interview{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return iv, nil
}

// Validate ensures the interview can be used to open sessions.
func Validate(iv Interview) error {
	if strings.TrimSpace(iv.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(iv.Position) == "" {
		return errors.New("position is required")
	}
	if iv.Experience < 0 {
		return errors.New("experience must be >= 0")
	}
	if len(iv.Questions) == 0 {
		return errors.New("questions must include at least one entry")
	}
	seen := make(map[string]int, len(iv.Questions))
	for i, q := range iv.Questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("questions[%d].question is required", i)
		}
		if strings.TrimSpace(q.ReferenceAnswer) == "" {
			return fmt.Errorf("questions[%d].answer is required", i)
		}
		// Answers are deduplicated by question text.
		if j, dup := seen[q.Prompt]; dup {
			return fmt.Errorf("questions[%d] repeats questions[%d]", i, j)
		}
		seen[q.Prompt] = i
	}
	return nil
}

// Question returns the question at index.
func (iv Interview) Question(index int) (domain.Question, error) {
	if index < 0 || index >= len(iv.Questions) {
		return domain.Question{}, fmt.Errorf("%w: %d of %d", ErrQuestionIndex, index, len(iv.Questions))
	}
	return iv.Questions[index], nil
}
