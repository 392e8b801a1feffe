package engine

import (
	"log/slog"

	"github.com/roach88/pmi/internal/ir"
)

func slogFor(rank int) *slog.Logger {
	return slog.Default().With("rank", rank)
}

// logCommandError logs a command failure with full command context for
// later inspection against the journals.
func logCommandError(log *slog.Logger, cmd ir.Command, err error) {
	log.Error("command failed",
		"run_id", cmd.RunID,
		"seq", cmd.Seq,
		"op", cmd.Op,
		"handle", cmd.Handle,
		"type_id", cmd.TypeID,
		"method", cmd.Method,
		"error", err,
	)
}
