//go:build !privload_debug

package isolate

const debugChecks = false
