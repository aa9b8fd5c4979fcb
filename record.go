package fds

import (
	"encoding/binary"
)

const (
	// dataMagic marks a live record.
	dataMagic = 0x55
	// delMagic marks a deletion marker.
	delMagic = 0x7E

	recHdrLen     = 4
	recFtrLen     = 2
	minRecordSize = recHdrLen + recFtrLen
)

// recordSize returns the number of bytes a record with the given payload
// length occupies in flash. The odd trailing payload byte rides in the
// footer Data slot, so the serialized length is always even.
func recordSize(siz int) int {
	n := recHdrLen + siz + recFtrLen
	if n%2 != 0 {
		n--
	}
	return n
}

// marshalRecord serializes a live record or deletion marker: a 4-byte
// header (magic, uid, little-endian payload length), the even-length part
// of the payload, and a 2-byte footer holding the odd trailing byte (zero
// otherwise) followed by the CRC-8 of everything before it. The CRC is the
// final byte so a torn write fails verification on replay.
func marshalRecord(magic, uid uint8, data []byte) []byte {
	siz := len(data)
	buf := make([]byte, recordSize(siz))
	buf[0] = magic
	buf[1] = uid
	binary.LittleEndian.PutUint16(buf[2:4], uint16(siz))
	even := siz &^ 1
	copy(buf[recHdrLen:], data[:even])
	if siz != even {
		buf[recHdrLen+even] = data[even]
	}
	buf[len(buf)-1] = crc8Of(buf[:len(buf)-1])
	return buf
}

// erasedWord reports whether b reads as erased flash.
func erasedWord(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
