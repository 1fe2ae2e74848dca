/*
Package subprocess spawns local processes and exposes their standard streams and extra channels
as buffered, non-blocking operations plus an ordered stream of events.

A process reports, in order:

 1. StateChanged(Running) once it has started.
 2. OutputReady(stream) after output arrives on a watched stream, and once more when the stream reaches EOF.
 3. StateChanged(Exited) once the process has been reaped. Output held open by a descendant may still follow.
 4. Completed once every output stream and channel has reached EOF.

Events are handed to the sink passed to Spawn. The sink is called from internal goroutines and must not block.
Read, Write and Close never block either: writes are accepted into a bounded buffer and flushed
to the process in the background, so a full buffer shows up as a short write.
*/
package subprocess
