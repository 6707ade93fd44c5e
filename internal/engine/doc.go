// Package engine runs submitted jobs in the background. Each job moves
// pending→running→completed/failed in the store, executes under the process
// execution guard with a deadline, and publishes lifecycle events to
// subscribers.
package engine
