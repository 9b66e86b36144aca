// Package api exposes the CivicNotice HTTP surface: the synchronous
// notice generation endpoint, the asynchronous notice job API and the
// operational endpoints (health, metrics).
package api
