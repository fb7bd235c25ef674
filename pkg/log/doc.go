/*
Package log provides structured logging for the AI review service using zerolog.

The global Logger is initialized once via Init() from CLI flags (level,
JSON vs console output). Call sites that need a worker or review identity on
every line get a child logger via WithWorker or WithReview rather than
reaching for a thread-local or package-global prefix.
*/
package log
