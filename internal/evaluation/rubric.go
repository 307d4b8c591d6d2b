package evaluation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The rubric has 8 checklist items of 4 binary elements each. Items 1-3 form
// section A (understanding), 4-6 section B (explanation), 7-8 section C
// (engagement). An item scores checked+1, so 1..5; sections max out at
// 15/15/10 and the overall at 40. The model only marks elements — all
// numbers are computed here.
const (
	rubricItems    = 8
	rubricElements = 4

	sectionAEnd = 3
	sectionBEnd = 6
)

const rubricSystem = `You are an impartial grader of math tutoring transcripts. For each checklist item below, decide independently for each of its four elements whether the transcript satisfies it.

Item 1 (understanding): restated the question; identified the topic; matched the student's level; noted what was given vs asked.
Item 2 (understanding): surfaced ambiguity; asked before assuming; confirmed interpretation; avoided scope creep.
Item 3 (understanding): connected to prior context; acknowledged the student's attempt; identified misconceptions; set expectations.
Item 4 (explanation): mathematically correct; complete derivation; no unjustified leaps; correct notation.
Item 5 (explanation): step-by-step structure; each step motivated; appropriate granularity; summary at the end.
Item 6 (explanation): terminology fits the level; new terms defined; consistent symbols; examples where helpful.
Item 7 (engagement): encouraging tone; no condescension; invites questions; acknowledges difficulty.
Item 8 (engagement): suggests next steps; offers practice; points at related topics; ends cleanly.

Respond with only a JSON object:
{"items": [{"elements": [true, false, true, true]}, ... 8 items in order ...], "feedback": "<two or three sentences>"}`

func rubricPrompt(transcript string) string {
	return "Grade this tutoring session transcript.\n\n" + transcript
}

type rubricChecklist struct {
	Items []struct {
		Elements []bool `json:"elements"`
	} `json:"items"`
	Feedback string `json:"feedback"`
}

// parseChecklist extracts and validates the grader's JSON checklist.
func parseChecklist(out string) (*rubricChecklist, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in grader output")
	}
	var checklist rubricChecklist
	if err := json.Unmarshal([]byte(out[start:end+1]), &checklist); err != nil {
		return nil, fmt.Errorf("parsing grader output: %w", err)
	}
	if len(checklist.Items) != rubricItems {
		return nil, fmt.Errorf("expected %d checklist items, got %d", rubricItems, len(checklist.Items))
	}
	for i, item := range checklist.Items {
		if len(item.Elements) != rubricElements {
			return nil, fmt.Errorf("item %d has %d elements, expected %d", i+1, len(item.Elements), rubricElements)
		}
	}
	return &checklist, nil
}

// scoreChecklist turns marked elements into deterministic item, section, and
// overall scores.
func scoreChecklist(checklist *rubricChecklist) (items []int, sectionA, sectionB, sectionC, overall int) {
	items = make([]int, rubricItems)
	for i, item := range checklist.Items {
		checked := 0
		for _, el := range item.Elements {
			if el {
				checked++
			}
		}
		items[i] = checked + 1
		switch {
		case i < sectionAEnd:
			sectionA += items[i]
		case i < sectionBEnd:
			sectionB += items[i]
		default:
			sectionC += items[i]
		}
	}
	overall = sectionA + sectionB + sectionC
	return items, sectionA, sectionB, sectionC, overall
}
