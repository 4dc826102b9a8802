package app

import (
	"strings"
	"unicode"

	"github.com/jaakkos/duet/internal/domain"
)

// IntentKind is how a human message should steer a planning session.
type IntentKind int

const (
	IntentFeedback IntentKind = iota
	IntentModify
	IntentStop
)

func (k IntentKind) String() string {
	switch k {
	case IntentModify:
		return "modify"
	case IntentStop:
		return "stop"
	}
	return "feedback"
}

// Intent is the classification of a human message. Stage is only meaningful
// for IntentModify with HasStage set.
type Intent struct {
	Kind     IntentKind
	Stage    domain.Node
	HasStage bool
}

// Classifier turns human text into an Intent. The planner never inspects
// message text itself.
type Classifier interface {
	Classify(content string) Intent
}

var (
	stopKeywords   = []string{"stop", "dừng", "🛑", "tóm tắt", "summarize"}
	modifyKeywords = []string{"sửa", "thay đổi", "modify", "change", "update", "chỉnh"}
	stageKeywords  = []struct {
		node     domain.Node
		keywords []string
	}{
		{domain.NodeAnalyzeCodebase, []string{"phân tích", "analysis", "analyze"}},
		{domain.NodeProposeChanges, []string{"đề xuất", "proposal", "propose"}},
		{domain.NodeReviewAndRefine, []string{"review", "xem xét"}},
	}

	agentAMentions = []string{"agent a", "agenta", "@a", "a,", "a:", "bạn a", "a ơi", "theo a"}
	agentBMentions = []string{"agent b", "agentb", "@b", "b,", "b:", "bạn b", "b ơi", "theo b"}
)

// KeywordClassifier is the default bilingual (English/Vietnamese) classifier.
type KeywordClassifier struct{}

// Classify checks stop first, then modification, else feedback.
func (KeywordClassifier) Classify(content string) Intent {
	lower := strings.ToLower(content)
	if containsAny(lower, stopKeywords) {
		return Intent{Kind: IntentStop}
	}
	if !containsAny(lower, modifyKeywords) {
		return Intent{Kind: IntentFeedback}
	}
	in := Intent{Kind: IntentModify}
	for _, s := range stageKeywords {
		if containsAny(lower, s.keywords) {
			in.Stage, in.HasStage = s.node, true
			break
		}
	}
	return in
}

// IsStopRequest reports whether c classifies content as a stop request.
func IsStopRequest(c Classifier, content string) bool {
	if c == nil {
		c = KeywordClassifier{}
	}
	return c.Classify(content).Kind == IntentStop
}

// MentionedResponders returns the responders explicitly addressed in content.
func MentionedResponders(content string) []domain.Role {
	lower := strings.ToLower(content)
	var roles []domain.Role
	if containsMention(lower, agentAMentions) {
		roles = append(roles, domain.RoleAgentA)
	}
	if containsMention(lower, agentBMentions) {
		roles = append(roles, domain.RoleAgentB)
	}
	return roles
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// containsMention matches keywords on word boundaries so that "data," or
// "agent about" do not count as addressing an agent.
func containsMention(s string, keywords []string) bool {
	for _, k := range keywords {
		from := 0
		for {
			i := strings.Index(s[from:], k)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(k)
			if boundaryBefore(s, start) && boundaryAfter(s, end, k) {
				return true
			}
			from = start + 1
		}
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r := lastRune(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// boundaryAfter only applies when the keyword itself ends in a letter.
func boundaryAfter(s string, end int, k string) bool {
	if !unicode.IsLetter(lastRune(k)) || end >= len(s) {
		return true
	}
	r := []rune(s[end:])[0]
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1]
}
