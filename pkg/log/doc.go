/*
Package log provides structured logging for the name server using zerolog.

The log package wraps zerolog to give every component (coordination client,
catalog store, scheduler, reconciler, API) a consistent JSON or console
logger with contextual fields — op id, task id, table name, endpoint —
attached once via a child logger rather than repeated at every call site.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Uint64("op_id", op.OPID).Msg("op submitted")

	opLog := log.WithOpID(op.OPID)
	opLog.Error().Err(err).Msg("task failed")

Fatal-level logs exit the process; use only for unrecoverable startup
failures (e.g. the coordination client's bolt store cannot be opened).
*/
package log
