// Package fs abstracts the file operations used to write snapshots so that
// tests can inject write, sync, close and rename failures.
package fs
