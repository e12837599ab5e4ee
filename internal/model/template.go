package model

// QueryTemplate is one registry entry consumed by the template
// generation backend. Text may carry {brand}, {industry}, {competitor}
// and {persona} placeholders expanded at generation time.
type QueryTemplate struct {
	ID     string       `json:"id,omitempty" yaml:"id,omitempty"`
	Phase  JourneyPhase `json:"phase" yaml:"phase"`
	Intent Intent       `json:"intent,omitempty" yaml:"intent,omitempty"`
	Text   string       `json:"text" yaml:"text"`
	Status string       `json:"status,omitempty" yaml:"status,omitempty"`
}

// EffectiveIntent returns the template's intent override, or the phase
// default when the template does not set one.
func (t QueryTemplate) EffectiveIntent() Intent {
	if t.Intent != "" {
		return t.Intent
	}
	return DefaultIntent(t.Phase)
}

// TemplateSet is an indexed collection of query templates.
type TemplateSet struct {
	Templates []QueryTemplate
	byPhase   map[JourneyPhase][]QueryTemplate
}

// NewTemplateSet creates a TemplateSet indexed by journey phase.
// Templates with an unknown phase are dropped; legacy category labels
// are accepted and canonicalized.
func NewTemplateSet(templates []QueryTemplate) *TemplateSet {
	s := &TemplateSet{
		byPhase: make(map[JourneyPhase][]QueryTemplate, len(JourneyPhases)),
	}
	for _, t := range templates {
		if !t.Phase.Valid() {
			p, ok := CanonicalPhase(string(t.Phase))
			if !ok {
				continue
			}
			t.Phase = p
		}
		s.Templates = append(s.Templates, t)
		s.byPhase[t.Phase] = append(s.byPhase[t.Phase], t)
	}
	return s
}

// ByPhase returns the templates registered for the given phase.
func (s *TemplateSet) ByPhase(p JourneyPhase) []QueryTemplate {
	return s.byPhase[p]
}

// Len returns the total number of templates in the set.
func (s *TemplateSet) Len() int { return len(s.Templates) }

// MissingPhases lists journey phases with no registered template.
func (s *TemplateSet) MissingPhases() []JourneyPhase {
	var missing []JourneyPhase
	for _, p := range JourneyPhases {
		if len(s.byPhase[p]) == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}
