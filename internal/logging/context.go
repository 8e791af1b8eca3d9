package logging

import (
	"context"
	"maps"
	"strings"
)

type jobFieldsKey struct{}

const (
	fieldJobID   = "job_id"
	fieldJobType = "job_type"
)

// ContextWithJob tags ctx with the queue job being processed. Loggers bound
// through WithContext carry the job on every entry, including entries written
// by the publishing pipeline the job drives.
func ContextWithJob(ctx context.Context, jobID, jobType string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := ContextFields(ctx)
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	if id := strings.TrimSpace(jobID); id != "" {
		fields[fieldJobID] = id
	}
	if kind := strings.TrimSpace(jobType); kind != "" {
		fields[fieldJobType] = kind
	}
	if len(fields) == 0 {
		return ctx
	}
	return context.WithValue(ctx, jobFieldsKey{}, fields)
}

// ContextFields returns a copy of the job fields on ctx, or nil.
func ContextFields(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(jobFieldsKey{}).(map[string]any)
	if len(fields) == 0 {
		return nil
	}
	return maps.Clone(fields)
}
