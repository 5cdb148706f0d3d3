package middleware

import "context"

// WithJob tags ctx with the tenant and ingestion job it works for, so every
// log line written under it can be traced back to one run.
func WithJob(ctx context.Context, tenantID, jobID string) context.Context {
	ctx = context.WithValue(ctx, TenantKey, tenantID)
	return context.WithValue(ctx, JobKey, jobID)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	id, _ := ctx.Value(TenantKey).(string)
	return id
}

func GetJobID(ctx context.Context) string {
	id, _ := ctx.Value(JobKey).(string)
	return id
}
