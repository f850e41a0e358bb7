/*
Package events is an in-process pub/sub broker for pipeline lifecycle
notifications.

The orchestrator publishes an Event at every state transition: pipeline
started, step started/completed/failed, pipeline completed/failed, and
admin deletions. Subscribers receive events on buffered channels and are
never allowed to block a publisher; a full buffer drops the event for
that subscriber only.
*/
package events
