// Package logx wraps zerolog behind a small structured-logging API with
// hot-swappable sinks (console and/or JSON file) driven by config reloads.
package logx
