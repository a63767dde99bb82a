package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type stageKey struct {
	stage  string
	status string
}

type autofixKey struct {
	category string
	applied  bool
}

var stageBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 300}

// ObserveStage 记录一次阶段尝试的结果与耗时。
func (c *Collector) ObserveStage(stage, status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stageKey{stage: stage, status: status}
	c.attempts[key]++
	hist := c.stages[key]
	if hist == nil {
		hist = newHistogram(stageBuckets)
		c.stages[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveAutofix 记录一次自动修复尝试。
func (c *Collector) ObserveAutofix(category string, applied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autofixes[autofixKey{category: category, applied: applied}]++
}

// ObserveWorkflow 记录一次工作流的最终状态与总耗时。
func (c *Collector) ObserveWorkflow(status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows[status]++
	hist := c.runtime[status]
	if hist == nil {
		hist = newHistogram(stageBuckets)
		c.runtime[status] = hist
	}
	hist.observe(duration.Seconds())
}

// WorkflowCount 返回指定状态的工作流数量。
func (c *Collector) WorkflowCount(status string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflows[status]
}

// StageAttempts 返回指定阶段与状态的尝试次数。
func (c *Collector) StageAttempts(stage, status string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[stageKey{stage: stage, status: status}]
}

func (c *Collector) renderWorkflow(builder *strings.Builder) {
	stages := make([]stageKey, 0, len(c.stages))
	for key := range c.stages {
		stages = append(stages, key)
	}
	sort.Slice(stages, func(i, j int) bool {
		if stages[i].stage == stages[j].stage {
			return stages[i].status < stages[j].status
		}
		return stages[i].stage < stages[j].stage
	})

	builder.WriteString("# HELP chainforge_stage_attempts_total Stage attempts by outcome.\n")
	builder.WriteString("# TYPE chainforge_stage_attempts_total counter\n")
	for _, key := range stages {
		builder.WriteString(fmt.Sprintf("chainforge_stage_attempts_total{stage=\"%s\",status=\"%s\"} %d\n",
			escape(key.stage), escape(key.status), c.attempts[key]))
	}

	builder.WriteString("# HELP chainforge_stage_duration_seconds Stage attempt duration in seconds.\n")
	builder.WriteString("# TYPE chainforge_stage_duration_seconds histogram\n")
	for _, key := range stages {
		labels := fmt.Sprintf("stage=\"%s\",status=\"%s\"", escape(key.stage), escape(key.status))
		writeHistogram(builder, "chainforge_stage_duration_seconds", labels, c.stages[key])
	}

	fixes := make([]autofixKey, 0, len(c.autofixes))
	for key := range c.autofixes {
		fixes = append(fixes, key)
	}
	sort.Slice(fixes, func(i, j int) bool {
		if fixes[i].category == fixes[j].category {
			return !fixes[i].applied && fixes[j].applied
		}
		return fixes[i].category < fixes[j].category
	})
	builder.WriteString("# HELP chainforge_autofix_attempts_total Autofix attempts by error category.\n")
	builder.WriteString("# TYPE chainforge_autofix_attempts_total counter\n")
	for _, key := range fixes {
		builder.WriteString(fmt.Sprintf("chainforge_autofix_attempts_total{category=\"%s\",applied=\"%s\"} %d\n",
			escape(key.category), strconv.FormatBool(key.applied), c.autofixes[key]))
	}

	statuses := make([]string, 0, len(c.workflows))
	for status := range c.workflows {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	builder.WriteString("# HELP chainforge_workflows_total Finished workflows by final status.\n")
	builder.WriteString("# TYPE chainforge_workflows_total counter\n")
	for _, status := range statuses {
		builder.WriteString(fmt.Sprintf("chainforge_workflows_total{status=\"%s\"} %d\n", escape(status), c.workflows[status]))
	}
	builder.WriteString("# HELP chainforge_workflow_duration_seconds Workflow wall time in seconds.\n")
	builder.WriteString("# TYPE chainforge_workflow_duration_seconds histogram\n")
	for _, status := range statuses {
		writeHistogram(builder, "chainforge_workflow_duration_seconds", fmt.Sprintf("status=\"%s\"", escape(status)), c.runtime[status])
	}
}
