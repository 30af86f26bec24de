// Package logx is the structured logger used across locatorbot.
//
// It wraps zerolog behind Field helpers so call sites stay short:
//   - console output is human readable (short timestamp + file:line caller)
//   - file output is JSON lines
//   - an optional Telegram sink forwards WARN+ lines to an operator chat,
//     rate limited so a failing poller cannot flood it
package logx
