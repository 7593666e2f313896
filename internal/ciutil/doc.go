// Package ciutil detects CI environments and reads test settings from the
// environment. Integration tests use it to find their database and to
// decide how much diagnostic output to print.
package ciutil
