// Package logx is chainwatch's structured logger: a thin wrapper over zerolog.
//
// Loggers created from a Service follow its current sinks and level, so a
// config reload applies to every component logger without rebuilding them.
// Console output is human readable with a short caller; file output, and
// stdout when JSON is set, is one JSON object per line.
package logx
