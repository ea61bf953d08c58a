// Package logx is chatwarden's zerolog wrapper.
//
// Console output is human readable, the optional log file is JSON, and
// warnings can be forwarded to an operator chat through a rate-limited sink.
package logx
