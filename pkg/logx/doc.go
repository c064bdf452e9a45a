// Package logx is tabrotate's logging layer on top of zerolog.
//
// A Service owns the outputs (console, JSON file, operator chat) and can
// swap them on reload; Loggers derived from it follow the swap. Loggers
// built with Nop or NewWriter are fixed and meant for tools and tests.
package logx
