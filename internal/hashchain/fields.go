package hashchain

import (
	"bytes"
	"strconv"
	"time"
)

// Fields are the event attributes covered by an event hash. Metadata and
// evidence URIs are deliberately absent: they are annotations that may change
// without invalidating the chain.
type Fields struct {
	BatchID      string
	EventType    string
	Description  string
	Location     string
	Timestamp    time.Time
	Actor        string
	PreviousHash string
	Sequence     int64
}

// Canonical returns the byte string a scheme digests for f: the version tag,
// then each field as "<len>:<value>," in a fixed order. Text fields are
// taken byte for byte, so any change to stored bytes changes the digest.
// Callers normalise text before it is stored (see ledger.Service.AppendEvent).
func Canonical(version string, f Fields) []byte {
	var buf bytes.Buffer
	writeField(&buf, "agrotrace/"+version)
	writeField(&buf, f.BatchID)
	writeField(&buf, f.EventType)
	writeField(&buf, f.Description)
	writeField(&buf, f.Location)
	writeField(&buf, f.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(&buf, f.Actor)
	writeField(&buf, f.PreviousHash)
	writeField(&buf, strconv.FormatInt(f.Sequence, 10))
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
	buf.WriteByte(',')
}
