// Package sqlstore opens the relational databases used for notice job
// persistence (MySQL or SQLite), tunes their connection pools and applies
// the embedded schema migrations for the selected dialect.
package sqlstore
