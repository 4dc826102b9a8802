package app

import "github.com/jaakkos/duet/internal/domain"

// planText holds the fixed wording of planning messages in one language.
type planText struct {
	completed string
	nodeError string // node, error

	rewound     string // from, to
	continuing  string // node
	restarted   string // node
	stopped     string
	summaryHead string
	request     string
	analysis    string
	proposal    string
	review      string
	files       string
	none        string
	notDone     string
	noFiles     string
	moreFiles   string // count

	analysisPrefix   string
	proposalPrefix   string
	reviewPrefix     string
	validationPrefix string
	finalPrefix      string
	validated        string
	needsAdjustment  string
}

var englishText = planText{
	completed: CompletedAck,
	nodeError: "❌ Error during planning step %s: %v",

	rewound:     "✅ Feedback received. Rewinding from '%s' to '%s' with the new information.",
	continuing:  "✅ Input received. Continuing with '%s'.",
	restarted:   "✅ Input received. Restarting from '%s' with full context.",
	stopped:     "⛔ Planning stopped as requested.",
	summaryHead: "## 📋 Plan Summary",
	request:     "### Original Request:",
	analysis:    "### Codebase Analysis (Agent A):",
	proposal:    "### Proposal (Agent A):",
	review:      "### Review (Agent B):",
	files:       "### Related Files:",
	none:        "None",
	notDone:     "Not completed",
	noFiles:     "- Not identified",
	moreFiles:   "- ... and %d more",

	analysisPrefix:   "[Agent A - Analysis]",
	proposalPrefix:   "[Agent A - Proposal]",
	reviewPrefix:     "[Agent B - Review]",
	validationPrefix: "[Validation]",
	finalPrefix:      "[Final Plan]",
	validated:        "✅ Proposal validated",
	needsAdjustment:  "⚠️ Needs adjustment:\n",
}

var vietnameseText = planText{
	completed: "✅ Kế hoạch đã hoàn thành. Bạn có thể bắt đầu thực hiện hoặc yêu cầu điều chỉnh.",
	nodeError: "❌ Lỗi ở bước lập kế hoạch %s: %v",

	rewound:     "✅ Đã nhận phản hồi. Quay lại từ bước '%s' về bước '%s' với thông tin mới.",
	continuing:  "✅ Đã nhận góp ý. Tiếp tục với bước '%s'.",
	restarted:   "✅ Đã nhận góp ý. Bắt đầu lại từ bước '%s' với context đầy đủ.",
	stopped:     "⛔ Kế hoạch đã dừng theo yêu cầu.",
	summaryHead: "## 📋 Tóm tắt kế hoạch",
	request:     "### Yêu cầu ban đầu:",
	analysis:    "### Phân tích codebase (Agent A):",
	proposal:    "### Đề xuất (Agent A):",
	review:      "### Xem xét (Agent B):",
	files:       "### File liên quan:",
	none:        "Không có",
	notDone:     "Chưa hoàn thành",
	noFiles:     "- Chưa xác định",
	moreFiles:   "- ... và %d file khác",

	analysisPrefix:   "[Agent A - Phân tích]",
	proposalPrefix:   "[Agent A - Đề xuất]",
	reviewPrefix:     "[Agent B - Xem xét]",
	validationPrefix: "[Kiểm tra]",
	finalPrefix:      "[Kế hoạch cuối cùng]",
	validated:        "✅ Đề xuất đã qua kiểm tra",
	needsAdjustment:  "⚠️ Cần điều chỉnh:\n",
}

func textFor(lang domain.Language) *planText {
	if lang == domain.LanguageVietnamese {
		return &vietnameseText
	}
	return &englishText
}
