// Package prompt turns a customer brief into the fixed set of slot prompts.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
)

const defaultBackground = "Studio Background"

// Slot is the prompt for one style slot
type Slot struct {
	Index int
	Style domain.Style
	Text  string
}

// Build returns exactly domain.RequiredJobs prompts. Requested styles come
// first in order, duplicates dropped, and the rest is padded with default
// attire variations.
func Build(modelID string, brief domain.Brief) []Slot {
	styles := make([]domain.Style, 0, domain.RequiredJobs)
	seen := make(map[domain.Style]struct{}, domain.RequiredJobs)

	add := func(s domain.Style) {
		if len(styles) == domain.RequiredJobs {
			return
		}
		s = domain.Style{Clothing: strings.TrimSpace(s.Clothing), Background: strings.TrimSpace(s.Background)}
		if s.Clothing == "" {
			return
		}
		if s.Background == "" {
			s.Background = defaultBackground
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		styles = append(styles, s)
	}

	for _, s := range brief.Styles {
		add(s)
	}
	for i := 1; len(styles) < domain.RequiredJobs; i++ {
		add(domain.Style{Clothing: fmt.Sprintf("Professional Attire Variation %d", i), Background: defaultBackground})
	}

	subject := strings.ToLower(strings.TrimSpace(brief.Gender))
	if subject == "" {
		subject = "person"
	}

	slots := make([]Slot, len(styles))
	for i, s := range styles {
		text := fmt.Sprintf("<lora:%s:1.0> A professional headshot of ohwx %s", modelID, subject)
		if age := strings.TrimSpace(brief.Age); age != "" {
			text += ", age " + age
		}
		text += fmt.Sprintf(". Wearing %s in %s. Variation %d.", s.Clothing, s.Background, i+1)
		slots[i] = Slot{Index: i, Style: s, Text: text}
	}
	return slots
}
