package scheduler

// Package scheduler evaluates a forecast task graph. It runs tasks either
// one at a time in topological order or on a bounded pool of workers,
// releases intermediate results once every consumer has read them, and
// moves through Idle, Planning and Executing to exactly one terminal state.
