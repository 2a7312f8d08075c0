/*
Package events provides an in-memory event broker for the name server's
internal pub/sub: OP lifecycle transitions, tablet/blob-server liveness
changes, and leader changes. The reconciler publishes onto it; nothing in
this repository subscribes. Subscribers receive a best-effort broadcast —
a slow subscriber drops events rather than blocking publishers.

	Publisher → eventCh (buffer 100) → broadcast loop → per-subscriber
	channel (buffer 50, non-blocking send)
*/
package events
