package chain

// Log is the in-memory accident log, newest entry first. It is owned by a
// single session and is not safe for concurrent use on its own.
type Log struct {
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

// Head is the hash the next entry must reference.
func (l *Log) Head() string {
	if len(l.entries) == 0 {
		return GenesisHash
	}
	return l.entries[0].Hash
}

func (l *Log) Prepend(e Entry) {
	l.entries = append([]Entry{e}, l.entries...)
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Entries returns a copy, newest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset drops every entry. It is the only way entries leave the log.
func (l *Log) Reset() {
	l.entries = nil
}
