// Package logx configures mediabot's structured logging.
//
// logx.Logger is a small value-type wrapper on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - the optional file sink is JSON lines
//   - the optional operator-chat sink forwards warnings to Telegram, rate limited
package logx
