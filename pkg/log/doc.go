// Package log provides the global zerolog-based logger for perch.
//
// Init configures level and output format once at process start; packages
// derive child loggers via WithComponent so every line carries its
// origin.
package log
