// Package logx is the relay's structured logging layer, a small wrapper over zerolog.
//
// Console output is human-readable with a short caller; the file sink writes
// JSON. Warnings and errors can also be forwarded to an operator chat through
// a Sender, rate limited and never blocking the caller.
package logx
