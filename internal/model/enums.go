package model

// Difficulty levels
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

var ValidDifficulties = []Difficulty{
	DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced,
}

// Energy levels
type Energy string

const (
	EnergyLow    Energy = "low"
	EnergyMedium Energy = "medium"
	EnergyHigh   Energy = "high"
)

var ValidEnergies = []Energy{EnergyLow, EnergyMedium, EnergyHigh}

// Dance styles
type Style string

const (
	StyleRomantic    Style = "romantic"
	StylePlayful     Style = "playful"
	StyleSensual     Style = "sensual"
	StyleTraditional Style = "traditional"
	StyleModern      Style = "modern"
)

var ValidStyles = []Style{
	StyleRomantic, StylePlayful, StyleSensual, StyleTraditional, StyleModern,
}

// Transition types between consecutive move entries
type Transition string

const (
	TransitionCut       Transition = "cut"
	TransitionCrossfade Transition = "crossfade"
	TransitionFadeBlack Transition = "fade_black"
)

// Assembly strategies
type Strategy string

const (
	StrategySinglePass Strategy = "single_pass"
	StrategyTwoStep    Strategy = "two_step"
)

// Task status
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further status writes are allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Re-writing the running state is allowed so progress updates pass through.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusRunning || next.IsTerminal()
	}
	return false
}

// Task stages reported alongside progress
const (
	StageQueued   = "queued"
	StageValidate = "validate"
	StageFetch    = "fetch"
	StageEncode   = "encode"
	StageUpload   = "upload"
	StageReport   = "report"
	StageDone     = "done"
)
