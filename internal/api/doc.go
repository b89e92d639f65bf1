// Package api serves the local HTTP facade over the instance cache: cached
// reads, commands that run as background tasks, and task status.
package api
