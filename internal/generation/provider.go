// Package generation wraps the external text-generation step. The engine
// only hands over a prompt and receives text; prompt budgeting and model
// internals stay on the provider side.
package generation

import "context"

// Provider is the capability contract for the generation backend,
// selected by explicit configuration at construction.
type Provider interface {
	// Generate produces an answer for the given system and user prompts.
	Generate(ctx context.Context, system, user string) (string, error)

	// Model identifies the generation model for response reporting.
	Model() string
}
