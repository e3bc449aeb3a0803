package pipewise

import "context"

// LLMClient generates one complete assistant turn. Implementations return
// *ErrLLM for classified transport failures so retry policy can act on the
// class. See provider/openaicompat for the shipped adapter and WithRetry
// for the retrying decorator.
type LLMClient interface {
	Generate(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name identifies the provider in logs and telemetry.
	Name() string
}
