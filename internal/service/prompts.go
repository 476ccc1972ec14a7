package service

import "github.com/Strob0t/forgeline/internal/domain/run"

// Prompts holds the instructions handed to the engine per session kind.
// Empty fields fall back to the built-in texts.
type Prompts struct {
	Initializer string
	Coding      string
	Planner     string
	QA          string
}

const (
	defaultInitializerPrompt = `You are starting a new project. Read app_spec.txt in the working directory.
Break the specification into small, independently testable features and write
them to feature_list.json as an array of objects with "id", "description",
"steps" and "passes": false. Set up the project skeleton and an init script,
then make the first commit.`

	defaultCodingPrompt = `You are continuing work on an existing project. Read feature_list.json and
pick the highest priority feature whose "passes" is false. Implement it, verify
it end to end, set "passes" to true only once it works, and commit. Never
remove or rewrite features in the list.`

	defaultPlannerPrompt = `Review app_spec.txt and feature_list.json. Refine feature descriptions and
ordering so that each feature can be implemented and verified in one session.
Do not mark any feature as passing.`

	defaultQAPrompt = `Re-verify every feature in feature_list.json whose "passes" is true. If a
feature no longer works, set "passes" back to false and describe the failure in
a commit message.`
)

// For returns the prompt for a session of kind. The initializer prompt
// wins for a session flagged as initializer.
func (p Prompts) For(kind run.AgentKind, initializer bool) string {
	if initializer {
		return pick(p.Initializer, defaultInitializerPrompt)
	}
	switch kind {
	case run.KindPlanner:
		return pick(p.Planner, defaultPlannerPrompt)
	case run.KindQA:
		return pick(p.QA, defaultQAPrompt)
	default:
		return pick(p.Coding, defaultCodingPrompt)
	}
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
