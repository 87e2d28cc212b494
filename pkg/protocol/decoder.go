package protocol

import "bytes"

// Decoder splits a byte stream into delimiter-terminated records. Records
// may arrive split across chunks, and one chunk may carry several records.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder returns a decoder that rejects unterminated records longer
// than maxRecordSize bytes. Zero disables the cap.
func NewDecoder(maxRecordSize int) *Decoder {
	return &Decoder{max: maxRecordSize}
}

// Feed appends chunk and returns every complete, non-blank record now
// available, without delimiters. A trailing partial record stays buffered.
//
// ErrRecordTooLarge is returned together with the records completed before
// the oversize one; the buffer is discarded.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var records [][]byte
	for {
		idx := bytes.IndexByte(d.buf, Delimiter)
		if idx == -1 {
			break
		}
		if d.max > 0 && idx > d.max {
			d.buf = nil
			return records, ErrRecordTooLarge
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		records = append(records, rec)
	}

	if d.max > 0 && len(d.buf) > d.max {
		d.buf = nil
		return records, ErrRecordTooLarge
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return records, nil
}

// Buffered returns the number of bytes held for an incomplete record.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
