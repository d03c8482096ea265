// Package logx is herald's structured logging: a small Logger value over
// zerolog, built from typed Field helpers.
//
// A Service owns the sinks. Console output is human-readable with a short
// timestamp and caller; the optional file sink writes one JSON object per
// line. Service.Apply swaps level and sinks at runtime on config reload.
//
// Credentials must go through Secret (or Redact), which keep only the last
// few characters.
package logx
