// Package events decouples the services that request agent work from the
// task engine that performs it. Services emit AgentTaskRequested events;
// the task engine's event handler turns them into persisted tasks.
package events
