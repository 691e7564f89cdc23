package metadata

import "github.com/vmihailenco/msgpack/v5"

// encodeSession serializes a Session for the write-through kv.Store. Sessions
// are small, infrequently written records, so the compact msgpack envelope
// used for the hot journal-append path (pkg/journal) is reused here rather
// than introducing a second serialization format.
func encodeSession(sess *Session) ([]byte, error) {
	return msgpack.Marshal(sess)
}

func decodeSession(data []byte) (*Session, error) {
	var sess Session
	if err := msgpack.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
