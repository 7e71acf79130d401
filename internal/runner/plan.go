package runner

import (
	"fmt"
	"strings"

	"github.com/novaxhq/novax/pkg/models"
)

// BuildDefaultPlan synthesizes a plan from a task description: each
// non-empty line becomes one step, in order, with a leading list
// marker stripped. An empty description yields a single step titled
// after the task. Generation is deterministic so a re-created plan for
// the same description is identical.
func BuildDefaultPlan(title, description string) *models.Plan {
	var steps []models.Step
	for _, line := range strings.Split(description, "\n") {
		stepTitle := strings.TrimSpace(line)
		if stepTitle == "" {
			continue
		}
		stepTitle = stripListMarker(stepTitle)
		steps = append(steps, models.Step{
			ID:     fmt.Sprintf("step-%d", len(steps)+1),
			Title:  stepTitle,
			Status: models.StepQueued,
		})
	}
	if len(steps) == 0 {
		fallback := strings.TrimSpace(title)
		if fallback == "" {
			fallback = "Execute task"
		}
		steps = append(steps, models.Step{
			ID:     "step-1",
			Title:  fallback,
			Status: models.StepQueued,
		})
	}

	return &models.Plan{
		Thinking:          "Plan synthesized from task description",
		Steps:             steps,
		EstimatedDuration: estimateDuration(len(steps)),
	}
}

// stripListMarker drops a leading "-" bullet and its trailing
// whitespace from a trimmed line.
func stripListMarker(line string) string {
	if strings.HasPrefix(line, "-") {
		return strings.TrimLeft(line[1:], " \t")
	}
	return line
}

func estimateDuration(steps int) string {
	if steps <= 3 {
		return "short"
	}
	return "long"
}
