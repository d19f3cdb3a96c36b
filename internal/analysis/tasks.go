// Package analysis owns the task registry, prompt construction, structured
// output validation, and the refine-chain runner that drives chunks through
// the LLM in strict index order.
package analysis

import (
	"errors"
	"fmt"
)

// Detail levels tune how expansive chunk and consolidation output should be.
const (
	DetailBrief    = "brief"
	DetailStandard = "standard"
	DetailDetailed = "detailed"
)

var ErrUnknownDetail = errors.New("unknown detail level")

// ParseDetail normalizes a detail level, defaulting empty to standard.
func ParseDetail(s string) (string, error) {
	switch s {
	case "":
		return DetailStandard, nil
	case DetailBrief, DetailStandard, DetailDetailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDetail, s)
}

var ErrUnknownTask = errors.New("unknown analysis task")

// Task describes one analysis type. Prose tasks produce free text per chunk;
// JSON tasks produce a structured extraction validated against Schema, and
// their consolidation step still renders a prose report over the parts.
type Task struct {
	Name        string         `json:"name"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	JSON        bool           `json:"json"`
	Schema      map[string]any `json:"-"`

	chunkIntro       string
	consolidateIntro string
}

// Temperature returns the sampling temperature for chunk calls. Structured
// extraction runs colder than prose.
func (t *Task) Temperature() float64 {
	if t.JSON {
		return 0.3
	}
	return 0.7
}

const consolidationTemperature = 0.5

var tasks = []Task{
	{
		Name:        "summary",
		Title:       "Summary",
		Description: "Structured synthesis of participants, topics, decisions, and commitments",
		chunkIntro: `Analyze this part and extract structured notes:
- Participants appearing in this part, with their apparent role and how active they are.
- Substantive topics (skip greetings, isolated emoji, boilerplate); classify each as technical, business, social, or administrative.
- Decisions and commitments, only where someone explicitly commits to something.
- Open questions left unanswered in this part.`,
		consolidateIntro: `Produce a consolidated summary report.
Rules: deduplicate topics keeping the most complete description, attribute
decisions to the people who made them, preserve chronology where it matters,
and cite short supporting quotes.`,
	},
	{
		Name:        "sentiment",
		Title:       "Sentiment",
		Description: "Emotional climate, per-participant sentiment, and tensions",
		chunkIntro: `Assess the emotional climate of this part:
- Overall valence (positive, negative, neutral, mixed) and intensity.
- How sentiment evolves from the start to the end of the part.
- Sentiment per participant, with a short supporting quote each.
- Tensions or disagreements between specific people, and whether they resolve.`,
		consolidateIntro: `Produce a consolidated sentiment report.
Rules: deduplicate repeated tensions keeping the most complete account, show
how the climate evolved across parts, prioritize unresolved tensions, and
cite evidence for every conclusion.`,
	},
	{
		Name:        "topics",
		Title:       "Topics",
		Description: "Topic inventory with status and participants",
		chunkIntro: `List every substantive topic discussed in this part:
- A short title and one-sentence description per topic.
- Who drove the discussion of each topic.
- Status: resolved, pending, or under debate.
- Note topics that appear to continue from earlier parts.`,
		consolidateIntro: `Produce a consolidated topic inventory.
Rules: merge duplicate topics across parts, keep the fullest description,
track status changes across parts (a topic resolved late overrides pending),
and order by importance.`,
	},
	{
		Name:        "intent",
		Title:       "Intent",
		Description: "Goals and motivations of the participants",
		chunkIntro: `Identify what each participant is trying to achieve in this part:
- Stated goals and requests, with the person behind each.
- Implicit motivations suggested by tone or repetition.
- Conflicting intents between participants.`,
		consolidateIntro: `Produce a consolidated intent analysis.
Rules: merge repeated goals, connect stated goals to later follow-through
visible in other parts, and flag unresolved conflicting intents.`,
	},
	{
		Name:        "quality",
		Title:       "Communication quality",
		Description: "Clarity, responsiveness, and communication breakdowns",
		chunkIntro: `Evaluate the communication quality of this part:
- Clarity: are requests and answers unambiguous?
- Responsiveness: questions answered, ignored, or deflected?
- Breakdowns: misunderstandings, talking past each other, repeated requests.
- Good practices worth keeping.`,
		consolidateIntro: `Produce a consolidated communication quality report.
Rules: aggregate recurring breakdowns into patterns, quantify roughly how
often questions went unanswered, and end with concrete recommendations.`,
	},
	{
		Name:        "action_items",
		Title:       "Action items",
		Description: "Commitments with owner, deadline, and status",
		chunkIntro: `Extract action items from this part. Only include items where
someone commits to doing something:
- What is to be done, who owns it, any deadline mentioned.
- Whether the item is completed, in progress, or just promised.`,
		consolidateIntro: `Produce a consolidated action item list.
Rules: deduplicate, keep the latest known status per item, group by owner,
and list unowned items separately.`,
	},
	{
		Name:        "topic_map",
		Title:       "Topic map",
		Description: "Structured topic extraction with key points and quotes",
		JSON:        true,
		Schema:      buildTopicMapSchema(),
		chunkIntro: `Extract a structured topic map from this part:
- topics: each with title, description, status (resolved, pending, or in_debate), and participants.
- key_points: the main arguments and ideas.
- quotes: short important excerpts, verbatim.
- continuity_hints: topics that appear to continue from before or into later parts.`,
		consolidateIntro: `Produce a consolidated topic map report from the
structured parts. Merge duplicate topics, reconcile status across parts, and
present the result as a readable report with the strongest quotes.`,
	},
	{
		Name:        "timeline",
		Title:       "Timeline",
		Description: "Chronology of events and decisions",
		JSON:        true,
		Schema:      buildTimelineSchema(),
		chunkIntro: `Extract the chronology of this part:
- events: each with description, position (start, middle, or end of the part),
  participants, impact (high, medium, or low), dependencies on other events,
  and status (done, in_progress, or pending).`,
		consolidateIntro: `Produce a consolidated timeline report from the
structured parts. Order events across parts, resolve dependencies, and
highlight high-impact decisions.`,
	},
	{
		Name:        "executive",
		Title:       "Executive briefing",
		Description: "Decisions, risks, and next steps for leadership",
		JSON:        true,
		Schema:      buildExecutiveSchema(),
		chunkIntro: `Extract an executive view of this part:
- decisions: what was decided.
- actions: each with action, responsible, and deadline (empty string when unknown).
- risks: problems or concerns raised.
- opportunities: positive ideas or possibilities.
- metrics: numbers, dates, and amounts mentioned.
- next_steps: what needs to happen next.`,
		consolidateIntro: `Produce a consolidated executive briefing from the
structured parts. Lead with decisions and risks, merge duplicates, and keep
it suitable for a reader with five minutes.`,
	},
	{
		Name:        "stakeholder",
		Title:       "Stakeholder analysis",
		Description: "Roles, positions, and alignments of the participants",
		JSON:        true,
		Schema:      buildStakeholderSchema(),
		chunkIntro: `Analyze the participants of this part:
- stakeholders: each with id (the placeholder used in the text), role
  (leader, technical, decision maker, observer, or similar), position (what
  they argue for), engagement (high, medium, or low), relations
  (agrees_with and disagrees_with lists), and characteristic quotes.`,
		consolidateIntro: `Produce a consolidated stakeholder report from the
structured parts. Merge each participant's appearances, track how positions
shifted across parts, and map the alignment clusters.`,
	},
}

// Tasks lists every registered task in registry order.
func Tasks() []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}

// TaskByName resolves a task or returns ErrUnknownTask.
func TaskByName(name string) (*Task, error) {
	for i := range tasks {
		if tasks[i].Name == name {
			return &tasks[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
}
