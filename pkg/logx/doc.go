// Package logx wraps zerolog for pulsebot.
//
// Console output is short and human oriented; the optional file sink writes
// JSON. Service.Apply swaps level and sinks at runtime, and the helpers in
// fields.go keep tenant, user, job and week keys consistent across packages.
package logx
