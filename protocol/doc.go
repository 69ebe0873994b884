/*
Package protocol implements both sides of the bridge's wire formats.

The simulator side is a newline-delimited text grammar read from the subprocess's stdout:

	READY                      startup complete (may appear anywhere in the line)
	STATE:<key>:<value>|...    a state report
	ACK:<text>                 a command acknowledgement
	anything else              log output

Commands go the other way as single ASCII bytes with no delimiter: "S" steps the clock, "R<d>" requests floor d,
"X" resets, "E1"/"E0" toggles the emergency input.

The client side is one JSON object per WebSocket message. Inbound messages carry a "type" field of "step", "request",
"reset" or "emergency". The only outbound message is a StateSnapshot, encoded as a flat JSON object.

Parsing is permissive on purpose: malformed state fields are skipped rather than rejected.
*/
package protocol
