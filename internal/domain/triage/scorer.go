// Package triage turns a patient's self-reported symptom category and
// follow-up answers into an emergency priority from 1 (resuscitation) to
// 5 (non urgent). Scoring is pure and never fails: missing or unusable
// input degrades to a less confident, less urgent classification that a
// nurse confirms later.
package triage

import (
	"fmt"
	"math"
	"strings"
)

const (
	BleedingNone     = "none"
	BleedingLight    = "light"
	BleedingModerate = "moderate"
	BleedingSevere   = "severe"

	DurationUnder1h = "under_1h"
	Duration1To6h   = "1_6h"
	Duration6To24h  = "6_24h"
	DurationOver24h = "over_24h"
)

const (
	MostUrgent  = 1
	LeastUrgent = 5

	// escalationCeiling is the least urgent priority allowed once any
	// single answer signals an emergency.
	escalationCeiling = 2

	// category plus the five required follow-up questions
	requiredQuestions = 6

	emptyConfidence = 50
)

// Answers is the follow-up questionnaire. Nil pointers and empty strings
// mean "not answered".
type Answers struct {
	PainLevel           *int   `json:"pain_level,omitempty"`
	BreathingDifficulty *bool  `json:"breathing_difficulty,omitempty"`
	Bleeding            string `json:"bleeding,omitempty"`
	LossOfConsciousness *bool  `json:"loss_of_consciousness,omitempty"`
	SymptomDuration     string `json:"symptom_duration,omitempty"`
	ChronicCondition    *bool  `json:"chronic_condition,omitempty"`
}

// Empty reports whether no question was answered.
func (a Answers) Empty() bool {
	return a.PainLevel == nil && a.BreathingDifficulty == nil && a.Bleeding == "" &&
		a.LossOfConsciousness == nil && a.SymptomDuration == "" && a.ChronicCondition == nil
}

// InvalidAnswersError lists every malformed answer.
type InvalidAnswersError struct {
	Problems []string
}

func (e *InvalidAnswersError) Error() string {
	return "invalid triage answers: " + strings.Join(e.Problems, "; ")
}

// Validate rejects out-of-range or unknown answer values. Score itself
// tolerates them by ignoring the offending answer.
func (a Answers) Validate() error {
	var problems []string
	if a.PainLevel != nil && (*a.PainLevel < 0 || *a.PainLevel > 10) {
		problems = append(problems, fmt.Sprintf("pain_level must be between 0 and 10, got %d", *a.PainLevel))
	}
	if a.Bleeding != "" {
		if _, ok := bleedingWeights[a.Bleeding]; !ok {
			problems = append(problems, fmt.Sprintf("bleeding %q is not one of none, light, moderate, severe", a.Bleeding))
		}
	}
	if a.SymptomDuration != "" {
		if _, ok := durationWeights[a.SymptomDuration]; !ok {
			problems = append(problems, fmt.Sprintf("symptom_duration %q is not one of under_1h, 1_6h, 6_24h, over_24h", a.SymptomDuration))
		}
	}
	if len(problems) > 0 {
		return &InvalidAnswersError{Problems: problems}
	}
	return nil
}

// zero weight means the answer is recorded but does not move the score
var bleedingWeights = map[string]int{
	BleedingNone:     0,
	BleedingLight:    3,
	BleedingModerate: 2,
	BleedingSevere:   1,
}

var durationWeights = map[string]int{
	DurationUnder1h: 2,
	Duration1To6h:   3,
	Duration6To24h:  4,
	DurationOver24h: 5,
}

func painWeight(level int) int {
	switch {
	case level >= 9:
		return 1
	case level >= 7:
		return 2
	case level >= 5:
		return 3
	case level >= 3:
		return 4
	default:
		return 5
	}
}

// Result is the scorer's classification.
type Result struct {
	Priority      int      `json:"priority"`
	Label         string   `json:"label"`
	Color         string   `json:"color"`
	Confidence    int      `json:"confidence"`
	CategoryID    string   `json:"category_id,omitempty"`
	Escalated     bool     `json:"escalated"`
	Justification []string `json:"justification"`
}

type scoring struct {
	weights     []int
	reasons     []string
	escalated   bool
	categorized bool
	// answered counts usable answers; the category is not one.
	answered int
}

func (s *scoring) add(weight int, critical bool, reason string) {
	s.weights = append(s.weights, weight)
	s.reasons = append(s.reasons, fmt.Sprintf("%s (weight %d)", reason, weight))
	if critical {
		s.escalated = true
	}
}

// Score classifies a category and answer set. It is deterministic and never
// returns an error.
func Score(categoryID string, a Answers) Result {
	var s scoring

	cat, known := LookupCategory(categoryID)
	if known {
		s.categorized = true
		s.add(cat.Priority, cat.Priority <= escalationCeiling, "category "+cat.ID)
	}
	if a.PainLevel != nil && *a.PainLevel >= 0 && *a.PainLevel <= 10 {
		s.answered++
		s.add(painWeight(*a.PainLevel), *a.PainLevel >= 9, fmt.Sprintf("pain level %d", *a.PainLevel))
	}
	if a.BreathingDifficulty != nil {
		s.answered++
		if *a.BreathingDifficulty {
			s.add(1, true, "breathing difficulty")
		}
	}
	if w, ok := bleedingWeights[a.Bleeding]; ok {
		s.answered++
		if w > 0 {
			s.add(w, a.Bleeding == BleedingSevere, a.Bleeding+" bleeding")
		}
	}
	if a.LossOfConsciousness != nil {
		s.answered++
		if *a.LossOfConsciousness {
			s.add(1, true, "loss of consciousness")
		}
	}
	if w, ok := durationWeights[a.SymptomDuration]; ok {
		s.answered++
		s.add(w, false, "symptoms for "+a.SymptomDuration)
	}

	res := Result{CategoryID: cat.ID, Escalated: s.escalated}

	if !known && a.Empty() {
		res.Priority = LeastUrgent
		res.Confidence = emptyConfidence
		res.Justification = []string{"no triage information supplied"}
		return res.labelled()
	}

	res.Confidence = confidence(s.categorized, s.answered)

	if len(s.weights) == 0 {
		res.Priority = LeastUrgent
		res.Justification = []string{"no answer carried a priority weight"}
		return res.labelled()
	}

	sum := 0
	for _, w := range s.weights {
		sum += w
	}
	mean := float64(sum) / float64(len(s.weights))
	final := clamp(int(math.Floor(mean + 0.5)))
	s.reasons = append(s.reasons, fmt.Sprintf("mean weight %.2f rounds to %d", mean, final))

	if s.escalated && final > escalationCeiling {
		final = escalationCeiling
		s.reasons = append(s.reasons, fmt.Sprintf("emergency signal caps priority at %d", escalationCeiling))
	}

	if a.ChronicCondition != nil && *a.ChronicCondition {
		nudged := final + 1
		withinMean := float64(nudged) <= math.Ceil(mean)
		if withinMean && nudged <= LeastUrgent && !(s.escalated && nudged > escalationCeiling) {
			final = nudged
			s.reasons = append(s.reasons, "chronic condition lowers urgency one step")
		}
	}

	res.Priority = final
	res.Justification = s.reasons
	return res.labelled()
}

// confidence is the share of required questions answered. With no usable
// answer it falls back to emptyConfidence, whether or not a category was
// picked.
func confidence(categorized bool, answered int) int {
	if answered == 0 {
		return emptyConfidence
	}
	n := answered
	if categorized {
		n++
	}
	c := int(math.Round(100 * float64(n) / requiredQuestions))
	if c > 100 {
		c = 100
	}
	return c
}

func clamp(p int) int {
	if p < MostUrgent {
		return MostUrgent
	}
	if p > LeastUrgent {
		return LeastUrgent
	}
	return p
}

func (r Result) labelled() Result {
	r.Label = Label(r.Priority)
	r.Color = Color(r.Priority)
	return r
}

var labels = map[int]string{
	1: "Resuscitation",
	2: "Emergent",
	3: "Urgent",
	4: "Less urgent",
	5: "Non urgent",
}

// Label names a priority level.
func Label(priority int) string {
	if l, ok := labels[priority]; ok {
		return l
	}
	return "Unknown"
}

var colors = map[int]string{
	1: "#ef4444",
	2: "#f97316",
	3: "#eab308",
	4: "#3b82f6",
	5: "#22c55e",
}

// Color is the display color dashboards use for a priority level.
func Color(priority int) string {
	if c, ok := colors[priority]; ok {
		return c
	}
	return "#6b7280"
}

// Recommendation is patient-facing guidance for a priority level.
type Recommendation struct {
	Urgency string `json:"urgency"`
	Message string `json:"message"`
}

var recommendations = map[int]Recommendation{
	1: {Urgency: "IMMEDIATE", Message: "Critical situation. Go to the emergency department immediately."},
	2: {Urgency: "VERY URGENT", Message: "Very urgent situation. Go to the emergency department as soon as possible."},
	3: {Urgency: "URGENT", Message: "Urgent situation. You will be seen after the most critical cases."},
	4: {Urgency: "LESS URGENT", Message: "Expect a longer wait. A clinic may see you sooner."},
	5: {Urgency: "NON URGENT", Message: "Non urgent. Consider a walk-in clinic or your family doctor."},
}

func RecommendationFor(priority int) Recommendation {
	return recommendations[clamp(priority)]
}
