package state

// Field names a RequestState field a node may read or write
type Field string

const (
	FieldQuery         Field = "query"
	FieldMode          Field = "mode"
	FieldHistory       Field = "history"
	FieldIsInDomain    Field = "is_in_domain"
	FieldSafetyPassed  Field = "safety_passed"
	FieldSafetyReason  Field = "safety_reason"
	FieldIntent        Field = "intent"
	FieldEntities      Field = "entities"
	FieldSourceResults Field = "source_results"
	FieldAggregation   Field = "aggregation"
	FieldFallback      Field = "fallback"
	FieldFinalOutput   Field = "final_output"
	FieldEarlyExit     Field = "early_exit_message"
)

// InputFields are set when the state is created and never written by nodes
var InputFields = []Field{FieldQuery, FieldMode, FieldHistory}

// FallbackOutcome is the controller's decision as written into state
type FallbackOutcome struct {
	State  FallbackState
	Reason string
}

// Update is a partial RequestState returned by a node.
// Nil fields are left untouched by Apply.
type Update struct {
	IsInDomain       *bool
	SafetyPassed     *bool
	SafetyReason     *string
	Intent           *Intent
	Entities         *Entities
	SourceResults    SourceResults
	Aggregation      *Aggregation
	Fallback         *FallbackOutcome
	FinalOutput      *CompiledResponse
	EarlyExitMessage *string
}

// Fields reports which fields the update writes
func (u Update) Fields() []Field {
	var fields []Field
	if u.IsInDomain != nil {
		fields = append(fields, FieldIsInDomain)
	}
	if u.SafetyPassed != nil {
		fields = append(fields, FieldSafetyPassed)
	}
	if u.SafetyReason != nil {
		fields = append(fields, FieldSafetyReason)
	}
	if u.Intent != nil {
		fields = append(fields, FieldIntent)
	}
	if u.Entities != nil {
		fields = append(fields, FieldEntities)
	}
	if len(u.SourceResults) > 0 {
		fields = append(fields, FieldSourceResults)
	}
	if u.Aggregation != nil {
		fields = append(fields, FieldAggregation)
	}
	if u.Fallback != nil {
		fields = append(fields, FieldFallback)
	}
	if u.FinalOutput != nil {
		fields = append(fields, FieldFinalOutput)
	}
	if u.EarlyExitMessage != nil {
		fields = append(fields, FieldEarlyExit)
	}
	return fields
}

// Apply merges u into s, last writer wins per field.
// Source results merge per source id.
func (s *RequestState) Apply(u Update) {
	if u.IsInDomain != nil {
		s.IsInDomain = Bool(*u.IsInDomain)
	}
	if u.SafetyPassed != nil {
		s.SafetyPassed = Bool(*u.SafetyPassed)
	}
	if u.SafetyReason != nil {
		s.SafetyReason = *u.SafetyReason
	}
	if u.Intent != nil {
		s.Intent = *u.Intent
	}
	if u.Entities != nil {
		e := *u.Entities
		s.Entities = &e
	}
	for _, entry := range u.SourceResults {
		s.SourceResults = s.SourceResults.Set(entry.Source, entry.Result)
	}
	if u.Aggregation != nil {
		a := *u.Aggregation
		s.Aggregation = &a
	}
	if u.Fallback != nil {
		s.Fallback = u.Fallback.State
		s.FallbackTriggered = u.Fallback.State == FallbackTriggered
		s.FallbackReason = u.Fallback.Reason
	}
	if u.FinalOutput != nil {
		s.FinalOutput = u.FinalOutput
	}
	if u.EarlyExitMessage != nil {
		s.EarlyExitMessage = String(*u.EarlyExitMessage)
	}
}

// Exit returns an update that ends the run with msg
func Exit(msg string) Update {
	return Update{EarlyExitMessage: String(msg)}
}
