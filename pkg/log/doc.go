// Package log provides structured, leveled logging for Conveyor components.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no package-level default. Fields are attached with the Field
// helpers (F, Str, Int, Err, Component) and child loggers are derived with
// With.
package log
