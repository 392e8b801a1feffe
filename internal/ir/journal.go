package ir

// JournalEntry records one command as a single rank executed it.
// Comparing the entries of two ranks by Seq proves they observed the same
// total order.
type JournalEntry struct {
	RunID  string      `json:"run_id"`
	Rank   int         `json:"rank"`
	Seq    int64       `json:"seq"`
	Op     OpKind      `json:"op"`
	Handle Handle      `json:"handle,omitempty"`
	TypeID string      `json:"type_id,omitempty"`
	Method string      `json:"method,omitempty"`
	Args   Array       `json:"args,omitempty"`
	Kwargs Object      `json:"kwargs,omitempty"`
	Digest string      `json:"digest"`
	Status ReplyStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// NewJournalEntry builds the entry for cmd as executed on rank.
func NewJournalEntry(rank int, cmd Command, digest string, status ReplyStatus, errMsg string) JournalEntry {
	return JournalEntry{
		RunID:  cmd.RunID,
		Rank:   rank,
		Seq:    cmd.Seq,
		Op:     cmd.Op,
		Handle: cmd.Handle,
		TypeID: cmd.TypeID,
		Method: cmd.Method,
		Args:   cmd.Args,
		Kwargs: cmd.Kwargs,
		Digest: digest,
		Status: status,
		Error:  errMsg,
	}
}
