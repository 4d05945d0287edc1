// Package logx is the engine's structured logger, a thin layer over zerolog.
//
// A zero Logger discards everything, so library code can hold one without a
// nil check. Loggers derived from a Service follow its level and sinks across
// config reloads.
package logx
