// Package persistence provides contacts storage for the web UI.
// It supports SQLite (WAL mode) and PostgreSQL through a single sqlx-backed store,
// every operation runs on its own connection acquired for the call and released on return.
package persistence
