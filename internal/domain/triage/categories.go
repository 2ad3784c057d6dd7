package triage

// Category is a patient-selectable symptom group with its base priority.
type Category struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}

var categories = []Category{
	{ID: "cardiac_arrest", Label: "Cardiac arrest / unconscious", Priority: 1, Description: "Not breathing or unresponsive"},
	{ID: "severe_trauma", Label: "Severe accident / trauma", Priority: 2, Description: "Car accident, serious fall, major wound"},
	{ID: "breathing_difficulty", Label: "Breathing difficulty", Priority: 2, Description: "Severe shortness of breath, unable to breathe normally"},
	{ID: "chest_pain", Label: "Chest pain", Priority: 2, Description: "Pain, pressure or tightness in the chest"},
	{ID: "severe_pain", Label: "Severe pain", Priority: 3, Description: "Intense pain (8-10/10)"},
	{ID: "high_fever", Label: "High fever", Priority: 3, Description: "Fever above 39°C with general malaise"},
	{ID: "moderate_injury", Label: "Moderate injury", Priority: 3, Description: "Possible fracture, deep cut"},
	{ID: "mild_infection", Label: "Minor infection", Priority: 4, Description: "Urinary tract infection, ear infection, sinusitis"},
	{ID: "minor_injury", Label: "Minor injury", Priority: 4, Description: "Sprain, small cut, bruise"},
	{ID: "mild_symptoms", Label: "Mild symptoms", Priority: 5, Description: "Cold, sore throat, slight malaise"},
	{ID: "consultation", Label: "Simple consultation", Priority: 5, Description: "Prescription renewal, health question, follow-up"},
}

var categoryIndex = func() map[string]Category {
	m := make(map[string]Category, len(categories))
	for _, c := range categories {
		m[c.ID] = c
	}
	return m
}()

// Categories returns the catalogue in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// LookupCategory finds a category by id.
func LookupCategory(id string) (Category, bool) {
	c, ok := categoryIndex[id]
	return c, ok
}

// Option is one allowed answer of a choice question.
type Option struct {
	Value  string `json:"value"`
	Label  string `json:"label"`
	Weight int    `json:"weight,omitempty"`
}

// Question describes a follow-up question for the intake form.
type Question struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Type     string   `json:"type"` // scale, yes_no, choice
	Required bool     `json:"required"`
	Min      *int     `json:"min,omitempty"`
	Max      *int     `json:"max,omitempty"`
	Options  []Option `json:"options,omitempty"`
}

func intPtr(v int) *int { return &v }

var questions = []Question{
	{ID: "pain_level", Text: "Pain level (0 = none, 10 = unbearable)", Type: "scale", Required: true, Min: intPtr(0), Max: intPtr(10)},
	{ID: "breathing_difficulty", Text: "Do you have difficulty breathing?", Type: "yes_no", Required: true},
	{ID: "bleeding", Text: "Is there any bleeding?", Type: "choice", Required: true, Options: []Option{
		{Value: BleedingNone, Label: "None"},
		{Value: BleedingLight, Label: "Light", Weight: 3},
		{Value: BleedingModerate, Label: "Moderate", Weight: 2},
		{Value: BleedingSevere, Label: "Severe", Weight: 1},
	}},
	{ID: "loss_of_consciousness", Text: "Have you lost consciousness?", Type: "yes_no", Required: true},
	{ID: "symptom_duration", Text: "How long have you had these symptoms?", Type: "choice", Required: true, Options: []Option{
		{Value: DurationUnder1h, Label: "Less than 1 hour", Weight: 2},
		{Value: Duration1To6h, Label: "1 to 6 hours", Weight: 3},
		{Value: Duration6To24h, Label: "6 to 24 hours", Weight: 4},
		{Value: DurationOver24h, Label: "More than 24 hours", Weight: 5},
	}},
	{ID: "chronic_condition", Text: "Do you have a relevant chronic medical condition?", Type: "yes_no"},
}

// Questions returns the follow-up questionnaire.
func Questions() []Question {
	out := make([]Question, len(questions))
	copy(out, questions)
	return out
}
