// Package logx configures the scheduler's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Log levels/sinks swappable at runtime via Service.Apply
package logx
