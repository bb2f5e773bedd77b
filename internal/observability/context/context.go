package context

import "context"

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	customerKey  ctxKey = "customer_id"
	machineKey   ctxKey = "machine_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, customerKey, customerID)
}

func CustomerIDFromContext(ctx context.Context) string {
	return stringValue(ctx, customerKey)
}

func WithMachineID(ctx context.Context, machineID string) context.Context {
	return context.WithValue(ctx, machineKey, machineID)
}

func MachineIDFromContext(ctx context.Context) string {
	return stringValue(ctx, machineKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
