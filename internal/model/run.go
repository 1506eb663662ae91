package model

// Stage is one named, sequential phase of the analysis pipeline state machine.
// Ordinals are the progress values reported through the task tracker, so their
// order is part of the polling contract.
type Stage int

const (
	StageInitialization Stage = iota
	StageUpdatingDescription
	StageScraping
	StageFilteringContent
	StageSavingPosts
	StageExtractingTheses
	StageFilteringDuplicates
	StageValidatingCriticism
	StageSavingPoints
	StageCalculatingSentiment
	StageCompleted
)

var stageNames = map[Stage]string{
	StageInitialization:       "Initialization",
	StageUpdatingDescription:  "UpdatingDescription",
	StageScraping:             "Scraping",
	StageFilteringContent:     "FilteringContent",
	StageSavingPosts:          "SavingPosts",
	StageExtractingTheses:     "ExtractingTheses",
	StageFilteringDuplicates:  "FilteringDuplicates",
	StageValidatingCriticism:  "ValidatingCriticism",
	StageSavingPoints:         "SavingPoints",
	StageCalculatingSentiment: "CalculatingSentiment",
	StageCompleted:            "Completed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Ordinal returns the numeric progress value for the stage.
func (s Stage) Ordinal() int { return int(s) }

// StatusFailed is the terminal status label written to the tracker when a run
// aborts. Any stage can transition to it; Completed cannot.
const StatusFailed = "Failed"

// TaskState is the status document written to the task tracker at every stage
// boundary and read back by the polling endpoint. Error carries a sanitized,
// stage-attributed message only; raw error detail stays in the logs.
type TaskState struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Ticker   string `json:"ticker"`
	Error    string `json:"error,omitempty"`
}

// Terminal reports whether the state will receive no further updates.
func (t TaskState) Terminal() bool {
	return t.Status == StatusFailed || t.Status == StageCompleted.String()
}
