package pipeline

import "github.com/skalibog/btcsignals/internal/storage"

// Phase шаг синхронизации источника
type Phase int

const (
	NotStarted Phase = iota
	Fetching
	Parsing
	Extending
	Reporting
	Complete
)

var phaseNames = map[Phase]string{
	Fetching:  storage.PhaseFetching,
	Parsing:   storage.PhaseParsing,
	Extending: storage.PhaseExtending,
	Reporting: storage.PhaseReporting,
	Complete:  storage.PhaseComplete,
}

// transitions строгий порядок фаз
var transitions = map[Phase]Phase{
	NotStarted: Fetching,
	Fetching:   Parsing,
	Parsing:    Extending,
	Extending:  Reporting,
	Reporting:  Complete,
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "not_started"
}

// Next фаза, следующая за p; Complete остается Complete
func (p Phase) Next() Phase {
	if next, ok := transitions[p]; ok {
		return next
	}
	return Complete
}

// ParsePhase фаза по значению из sync_log; неизвестное значение - NotStarted
func ParsePhase(s string) Phase {
	for p, name := range phaseNames {
		if name == s {
			return p
		}
	}
	return NotStarted
}

// Action что делать с источником в данной фазе
type Action int

const (
	ActionFetch Action = iota
	ActionParse
	ActionExtend
	ActionReport
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionFetch:
		return "fetch"
	case ActionParse:
		return "parse"
	case ActionExtend:
		return "extend"
	case ActionReport:
		return "report"
	}
	return "skip"
}

// NextAction действие для последней записанной фазы.
// Незавершенная фаза выполняется заново, завершенные раньше - никогда.
func NextAction(p Phase) Action {
	switch p {
	case NotStarted, Fetching:
		return ActionFetch
	case Parsing:
		return ActionParse
	case Extending:
		return ActionExtend
	case Reporting:
		return ActionReport
	}
	return ActionSkip
}

// phaseOf фаза, в которой выполняется действие
func phaseOf(a Action) Phase {
	switch a {
	case ActionFetch:
		return Fetching
	case ActionParse:
		return Parsing
	case ActionExtend:
		return Extending
	case ActionReport:
		return Reporting
	}
	return Complete
}
