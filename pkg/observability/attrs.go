package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline semantic convention attributes.
var (
	// Case attributes
	AttrCaseID = attribute.Key("socpocket.case.id")
	AttrRuleID = attribute.Key("socpocket.rule.id")

	// Stage attributes
	AttrStage      = attribute.Key("socpocket.stage")
	AttrStageModel = attribute.Key("socpocket.stage.model")
	AttrAutonomy   = attribute.Key("socpocket.autonomy")

	// Approval attributes
	AttrApprovalID     = attribute.Key("socpocket.approval.id")
	AttrApprovalStatus = attribute.Key("socpocket.approval.status")
	AttrDecidedBy      = attribute.Key("socpocket.approval.decided_by")

	// Cost attributes
	AttrCostMicroUSD = attribute.Key("socpocket.cost.micro_usd")
	AttrTotalTokens  = attribute.Key("socpocket.tokens.total")

	// Signing attributes
	AttrSigningAlgorithm = attribute.Key("socpocket.signing.algorithm")
	AttrSigningOperation = attribute.Key("socpocket.signing.operation")
	AttrKeyVersion       = attribute.Key("socpocket.signing.key_version")
)

// StageOperation creates attributes for a pipeline stage execution.
func StageOperation(caseID, stage, model, autonomy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrStage.String(stage),
		AttrStageModel.String(model),
		AttrAutonomy.String(autonomy),
	}
}

// ApprovalOperation creates attributes for approval lifecycle events.
func ApprovalOperation(approvalID, caseID, stage, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrApprovalID.String(approvalID),
		AttrCaseID.String(caseID),
		AttrStage.String(stage),
		AttrApprovalStatus.String(status),
	}
}

// CostOperation creates attributes for cost accounting events.
func CostOperation(caseID, model string, totalTokens, microUSD int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrStageModel.String(model),
		AttrTotalTokens.Int64(totalTokens),
		AttrCostMicroUSD.Int64(microUSD),
	}
}

// SigningOperation creates attributes for signing and verification.
func SigningOperation(algorithm, operation, keyVersion string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSigningAlgorithm.String(algorithm),
		AttrSigningOperation.String(operation),
		AttrKeyVersion.String(keyVersion),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
