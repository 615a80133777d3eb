package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf := TakeAny(buf)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, buf := Take('B', buf)
	assert.Equal(t, []byte{'B', 'B'}, body2)

	body3, rest := Take('C', buf)
	assert.Equal(t, c256[:], body3)
	assert.Equal(t, 0, len(rest))
}

func TestTLVTake(t *testing.T) {
	rec := Record('O', []byte(`{"type":"add"}`))

	body, rest := Take('O', rec)
	assert.Equal(t, `{"type":"add"}`, string(body))
	assert.Equal(t, 0, len(rest))

	// wrong type
	body, rest = Take('X', rec)
	assert.Nil(t, body)
	assert.Nil(t, rest)

	// incomplete data keeps the input untouched
	body, rest = Take('O', rec[:3])
	assert.Nil(t, body)
	assert.Equal(t, rec[:3], rest)
}

func TestTLVSplit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record('O', []byte("one")))
	buf.Write(Record('O', []byte("two")))

	recs, err := Split(&buf)
	assert.NoError(t, err)
	assert.Len(t, recs, 2)

	body, _ := Take('O', recs[0])
	assert.Equal(t, "one", string(body))
	body, _ = Take('O', recs[1])
	assert.Equal(t, "two", string(body))

	// a fragmented record stays in the buffer until complete
	whole := Record('O', []byte("fragmented"))
	buf.Write(whole[:4])
	recs, err = Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Len(t, recs, 0)

	buf.Write(whole[4:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Len(t, recs, 1)
	body, _ = Take('O', recs[0])
	assert.Equal(t, "fragmented", string(body))
}
