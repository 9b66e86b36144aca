// Package agent contains the notice pipeline: a Draft stage that turns the
// request fields into a first version of the notice, followed by a Review
// stage that checks the draft against government communication standards
// and returns the final text. Both stages run against a single llm.Client
// with fixed personas and prompt templates.
package agent
