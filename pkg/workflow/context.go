package workflow

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

type contextKey int

const (
	tagsKey contextKey = iota
	runKey
	runCtxKey
)

// RunInfo identifies the run that owns a context. Logging handlers use
// it to attach log records to the right flow and task runs.
type RunInfo struct {
	FlowRunID uuid.UUID
	TaskRunID uuid.UUID
	FlowName  string
	TaskName  string
}

// RunInfoFromContext returns the run identity carried by ctx, if any.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runKey).(RunInfo)
	return info, ok
}

// ContextWithRunInfo returns a context carrying the given run identity.
// The engine attaches run identity automatically; this is for
// integrations that forward logs on behalf of a run.
func ContextWithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runKey, info)
}

// WithTags returns a context whose ambient tag set is extended with the
// given tags. Runs started under the returned context inherit the union
// of the ambient tags, deduplicated and sorted.
func WithTags(ctx context.Context, tags ...string) context.Context {
	merged := mergeTags(TagsFromContext(ctx), tags)
	return context.WithValue(ctx, tagsKey, merged)
}

// TagsFromContext returns the ambient tag set carried by ctx.
func TagsFromContext(ctx context.Context) []string {
	tags, _ := ctx.Value(tagsKey).([]string)
	return tags
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, tag := range set {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			merged = append(merged, tag)
		}
	}
	sort.Strings(merged)
	return merged
}

// runContext is the engine's per-flow-run handle threaded through the
// body's context. Package-level helpers (Call, Submit, Subflow) use it
// to reach the engine and the run's slot tracker.
type runContext struct {
	engine    *Engine
	flow      *Flow
	flowRunID uuid.UUID
	tracker   *flowTracker
}

func runContextFrom(ctx context.Context) (*runContext, bool) {
	rc, ok := ctx.Value(runCtxKey).(*runContext)
	return rc, ok
}

func withRunContext(ctx context.Context, rc *runContext, info RunInfo) context.Context {
	ctx = context.WithValue(ctx, runCtxKey, rc)
	return context.WithValue(ctx, runKey, info)
}

func withTaskInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runKey, info)
}
