/*
Package rexec runs processes on behalf of remote requesters and streams their state and output back.

A Server answers five methods under its service name, by default "rexec":

  - exec starts a process. Its response stream carries a "state" frame when the process is running,
    "output" frames for each selected stream, a "state" frame with the wait status once it has exited,
    and finally an ENODATA error frame. A process that fails for a local reason ends with that errno instead.
  - write feeds an input stream of a process. It has no response.
  - kill signals the process group of a process.
  - list returns the live processes.
  - disconnect kills every process started by a requester that has gone away.

Processes are killed when their requester disconnects, and Shutdown signals them all and reports
when the last one has been reaped.
*/
package rexec
