/*
Package sim owns one simulator subprocess and the line-oriented conversation with it.

A Session is started, then synchronized: Start blocks until the subprocess prints a READY line, so no command is written
before the simulator is listening. After that a caller drives it with WriteCommand, Flush and ReadUntilState.

Commands are buffered; nothing reaches the subprocess until Flush. Callers flush once per logical command, which keeps a
two byte command like "R3" from being delivered in halves.

Stop sends a terminate signal and reaps the process in the background. It is safe to call any number of times from any
goroutine, and is the only way a Session's subprocess is torn down.

There is no read timeout: a subprocess that stops printing blocks ReadUntilState until it exits or is stopped.
*/
package sim
