/*
Package bridge serves simulator sessions over WebSockets.

Every WebSocket connection to /sim gets its own simulator subprocess, and the subprocess lives exactly as long as the
connection. Nothing is shared between sessions.

A session moves through these states:

	CONNECTING  the connection is accepted and the simulator is starting
	READY       the simulator printed READY; client messages are now read
	ACTIVE      at least one client message has been dispatched
	CLOSING     the client went away, the transport failed, or the simulator exited
	CLOSED      the simulator was signaled and the connection released

Every way out of a session goes through the same cleanup, so a simulator is never left running after its connection is
gone. A client that disconnects in the middle of a step does not wait for the step to finish.

Client messages that don't decode, and floor requests out of range, are dropped without telling the client. The only
things a client ever sees are state snapshots (one per step) and the connection closing.
*/
package bridge
