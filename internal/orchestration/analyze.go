package orchestration

import (
	"strings"
	"time"

	"taskscheduler/internal/models"
)

// Capability names.
const (
	CapabilityPlanning            = "planning"
	CapabilityExecution           = "execution"
	CapabilityKnowledgeManagement = "knowledge-management"
	CapabilityScheduling          = "scheduling"
	CapabilityToolUsage           = "tool-usage"
	CapabilityMemoryManagement    = "memory-management"
)

// const ...
const (
	minComplexity         = 1
	maxComplexity         = 10
	complexPriorityMark   = 8
	urgentPriorityMark    = 8
	baseDuration          = 30 * time.Second
	durationPerComplexity = 15 * time.Second
	maxDuration           = 5 * time.Minute
	urgentDurationFactor  = 1.5
	charsPerComplexity    = 100
	maxLengthComplexity   = 3
	maxKeywordComplexity  = 4
)

// metadata keys read as task content besides the name
var contentKeys = []string{"description", "content", "prompt"}

var complexityKeywords = []string{
	"analyze", "analysis", "research", "complex", "comprehensive", "multi-step",
	"integrate", "optimize", "design", "investigate", "compare", "strategy",
}

var capabilityKeywords = []struct {
	capability string
	keywords   []string
}{
	{CapabilityKnowledgeManagement, []string{"search", "research", "knowledge", "document", "lookup", "find", "summarize"}},
	{CapabilityScheduling, []string{"schedule", "calendar", "meeting", "remind", "deadline", "appointment"}},
	{CapabilityToolUsage, []string{"email", "api", "tool", "send", "fetch", "download", "upload"}},
	{CapabilityMemoryManagement, []string{"remember", "memory", "recall", "history", "note"}},
}

// Analysis is the derived view of a task used for worker selection.
type Analysis struct {
	Capabilities      []string      `json:"capabilities"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Complexity        int           `json:"complexity"`
	AdjustedPriority  int           `json:"adjustedPriority"`
}

// Analyze scores a task's complexity from its content length, priority and
// keywords, derives the capabilities it needs and estimates its duration.
func Analyze(task *models.Task) Analysis {
	content := strings.ToLower(taskContent(task))

	complexity := minComplexity
	complexity += min(len(content)/charsPerComplexity, maxLengthComplexity)
	complexity += task.Priority / 3
	hits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(content, kw) {
			hits++
		}
	}
	complexity += min(hits*2, maxKeywordComplexity)
	complexity = max(minComplexity, min(complexity, maxComplexity))

	capabilities := []string{CapabilityPlanning, CapabilityExecution}
	for _, group := range capabilityKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(content, kw) {
				capabilities = append(capabilities, group.capability)
				break
			}
		}
	}

	estimate := baseDuration + time.Duration(complexity-1)*durationPerComplexity
	if task.Priority >= urgentPriorityMark {
		estimate = time.Duration(float64(estimate) * urgentDurationFactor)
	}
	estimate = min(estimate, maxDuration)

	priority := task.Priority
	if complexity >= complexPriorityMark {
		priority = min(priority+1, models.MaxPriority)
	}

	return Analysis{
		Capabilities:      capabilities,
		EstimatedDuration: estimate,
		Complexity:        complexity,
		AdjustedPriority:  priority,
	}
}

func taskContent(task *models.Task) string {
	parts := []string{task.Name}
	for _, key := range contentKeys {
		if v, ok := task.Metadata[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
