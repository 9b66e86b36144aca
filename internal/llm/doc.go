// Package llm defines the text-completion capability used by the notice
// pipeline. Providers live in sub-packages and are selected at start-up; the
// pipeline only depends on the Client interface.
package llm
