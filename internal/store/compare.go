package store

import (
	"fmt"

	"github.com/roach88/pmi/internal/ir"
)

// Divergence describes the first point at which two journals disagree.
type Divergence struct {
	// Index is the position in both entry lists where they first differ.
	Index int
	// Seq is the seq of the differing entry, taken from whichever side has one.
	Seq int64
	// Field names what differs: "missing", "run_id", "seq", "op", "handle",
	// "type_id", "method" or "digest".
	Field string
	Left  *ir.JournalEntry
	Right *ir.JournalEntry
}

func (d *Divergence) String() string {
	switch {
	case d.Left == nil:
		return fmt.Sprintf("entry %d (seq %d): missing on left", d.Index, d.Seq)
	case d.Right == nil:
		return fmt.Sprintf("entry %d (seq %d): missing on right", d.Index, d.Seq)
	}
	return fmt.Sprintf("entry %d (seq %d): %s differs: rank %d has %s, rank %d has %s",
		d.Index, d.Seq, d.Field,
		d.Left.Rank, field(*d.Left, d.Field),
		d.Right.Rank, field(*d.Right, d.Field))
}

// CompareJournals reports the first divergence between two ranks' entries
// for the same run, or nil if they executed the same command stream.
//
// Only command identity is compared. Status and error text legitimately
// differ between ranks: the controller records a summary while a worker
// outside an object's group records a skip.
func CompareJournals(left, right []ir.JournalEntry) *Divergence {
	n := min(len(left), len(right))
	for i := range n {
		for _, f := range compared {
			if field(left[i], f) != field(right[i], f) {
				return &Divergence{Index: i, Seq: left[i].Seq, Field: f, Left: &left[i], Right: &right[i]}
			}
		}
	}
	switch {
	case len(left) > n:
		return &Divergence{Index: n, Seq: left[n].Seq, Field: "missing", Left: &left[n]}
	case len(right) > n:
		return &Divergence{Index: n, Seq: right[n].Seq, Field: "missing", Right: &right[n]}
	}
	return nil
}

var compared = []string{"run_id", "seq", "op", "handle", "type_id", "method", "digest"}

func field(e ir.JournalEntry, name string) string {
	switch name {
	case "run_id":
		return e.RunID
	case "seq":
		return fmt.Sprint(e.Seq)
	case "op":
		return string(e.Op)
	case "handle":
		return formatHandle(e.Handle)
	case "type_id":
		return e.TypeID
	case "method":
		return e.Method
	case "digest":
		return e.Digest
	}
	return ""
}
