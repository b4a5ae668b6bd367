// Package logx configures innkeep's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Plaintext credentials must never reach a log sink; callers log key names
// and outcomes only.
package logx
