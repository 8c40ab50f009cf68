package bench

import "strconv"

// Mode selects how the Benchmark dispatches requests.
type Mode int

const (
	// Blocking sends one record at a time and waits for its acknowledgment.
	Blocking Mode = iota
	// NonBlocking sends every record without waiting and measures each
	// acknowledgment in a completion callback.
	NonBlocking
)

func (m Mode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case NonBlocking:
		return "nonblocking"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ModeFromAsync maps the async flag used on the command line to a Mode.
func ModeFromAsync(async bool) Mode {
	if async {
		return NonBlocking
	}
	return Blocking
}

// Record is a single keyed message submitted to a topic.
type Record struct {
	Topic string
	Key   int
	Value string
}

// NewRecord builds the record for message number seq (1-based).
func NewRecord(topic string, seq int) Record {
	return Record{
		Topic: topic,
		Key:   seq,
		Value: "Message_" + strconv.Itoa(seq),
	}
}
