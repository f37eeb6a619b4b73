package orchestration

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"taskscheduler/internal/models"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name         string
		task         *models.Task
		complexity   int
		priority     int
		duration     time.Duration
		capabilities []string
	}{
		{
			name:         "trivial",
			task:         &models.Task{Name: "ping"},
			complexity:   1,
			priority:     0,
			duration:     30 * time.Second,
			capabilities: []string{CapabilityPlanning, CapabilityExecution},
		},
		{
			name:         "priority adds complexity",
			task:         &models.Task{Name: "ping", Priority: 6},
			complexity:   3,
			priority:     6,
			duration:     60 * time.Second,
			capabilities: []string{CapabilityPlanning, CapabilityExecution},
		},
		{
			name: "keywords and urgency",
			task: &models.Task{
				Name:     "Research and analyze competitors",
				Priority: 9,
				Metadata: map[string]any{"description": "send an email summary and schedule a meeting"},
			},
			// 1 + 0 (length) + 3 (priority) + 4 (keywords, capped)
			complexity: 8,
			priority:   10,
			// (30s + 7*15s) * 1.5
			duration: 202500 * time.Millisecond,
			capabilities: []string{
				CapabilityPlanning, CapabilityExecution,
				CapabilityKnowledgeManagement, CapabilityScheduling, CapabilityToolUsage,
			},
		},
		{
			name:         "memory keywords",
			task:         &models.Task{Name: "recall meeting notes", Priority: 2},
			complexity:   1,
			priority:     2,
			duration:     30 * time.Second,
			capabilities: []string{CapabilityPlanning, CapabilityExecution, CapabilityScheduling, CapabilityMemoryManagement},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(tt.task)
			assert.Equal(t, tt.complexity, got.Complexity)
			assert.Equal(t, tt.priority, got.AdjustedPriority)
			assert.Equal(t, tt.duration, got.EstimatedDuration)
			assert.Equal(t, tt.capabilities, got.Capabilities)
		})
	}
}

func TestAnalyze_Bounds(t *testing.T) {
	task := &models.Task{
		Name:     strings.Repeat("comprehensive analysis design ", 40),
		Priority: 10,
	}
	got := Analyze(task)
	assert.Equal(t, 10, got.Complexity)
	assert.Equal(t, 10, got.AdjustedPriority)
	assert.Equal(t, 247500*time.Millisecond, got.EstimatedDuration)

	capped := Analyze(&models.Task{Name: task.Name, Priority: 8, Metadata: map[string]any{"content": task.Name}})
	assert.LessOrEqual(t, capped.EstimatedDuration, 5*time.Minute)
}
