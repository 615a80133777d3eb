package protocol

// Records is a batch of encoded records. Batching is the unit of queueing
// and of network writes; it converts directly to net.Buffers for writev.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
