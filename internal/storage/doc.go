package storage

// Package storage persists job snapshots so a restart can pick up where
// the engine left off. The engine treats it as an optional collaborator:
// a nil Store means fully in-memory operation.
