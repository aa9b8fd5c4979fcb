// Package fds implements a small persistent record store for microcontroller
// on-chip flash: a fixed number of records addressed by integer uid, stored
// as an append-only log rolling through a ring of flash pages. The layout
// keeps every record's CRC as its last programmed byte, so a write torn by
// power loss is invisible on the next scan and the previous value of the
// record survives.
package fds

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrCorrupt reports a structural anomaly: broken page id sequence,
	// missing erased page, or a rotation target that is not erased.
	ErrCorrupt = errors.New("fds: structural anomaly")
	// ErrNotReady reports an operation on an uninitialized store.
	ErrNotReady = errors.New("fds: store not initialized")
	// ErrSize reports a payload length of zero or above the configured max.
	ErrSize = errors.New("fds: payload size out of range")
	// ErrInvalidUID reports a uid outside the configured record range.
	ErrInvalidUID = errors.New("fds: uid out of range")
	// ErrFlash reports a failure of the underlying flash driver.
	ErrFlash = errors.New("fds: flash driver failure")
	// ErrCRC reports a readback checksum mismatch.
	ErrCRC = errors.New("fds: crc mismatch")
	// ErrData reports a record header with an out-of-range uid in flash.
	ErrData = errors.New("fds: invalid record data")
)

// Config carries the compile-time sizing of a store.
type Config struct {
	// NumRecords is the number of distinct record uids, at most 255.
	NumRecords int

	// NumPages is the number of flash pages reserved at the end of the
	// device. Two is the structural minimum; at least three is needed for
	// rotation to be safe under worst-case occupancy.
	NumPages int

	// MaxDataBytes bounds the user payload of a single record. A record
	// of this size must fit into one page together with the page header.
	MaxDataBytes int

	// Compression selects the codec used by SaveImage.
	Compression CompressAlgorithm
}

var DefaultConfig = &Config{
	NumRecords:   4,
	NumPages:     4,
	MaxDataBytes: 256,
	Compression:  CompSnappy,
}

// RecordInfo describes one uid slot in a Snapshot.
type RecordInfo struct {
	Present bool
	Size    int
}

// Snapshot is a structured view of the store state. Formatting is left to
// the caller.
type Snapshot struct {
	FirstPage   uint32
	NumPages    int
	NumRecords  int
	WritePage   int
	WriteOffset uint32
	Records     []RecordInfo
}

// Store manages the reserved flash ring. It is single-threaded and
// non-reentrant; the application owns exactly one Store per flash region
// and provides mutual exclusion if it calls in from several contexts.
type Store struct {
	flash     Flash
	cfg       Config
	firstPage uint32

	// records maps uid to the device byte address of its latest valid
	// record, -1 when absent.
	records []int64
	// write is the device byte address of the next free word, -1 before a
	// cursor has been established.
	write    int64
	initDone bool
}

// New creates a store over the last cfg.NumPages pages of the device. Init
// must run, explicitly or through the first operation, before records can
// be accessed.
func New(flash Flash, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	c := *cfg
	if c.NumRecords < 1 || c.NumRecords > 255 {
		return nil, errors.Errorf("fds: invalid record count %d", c.NumRecords)
	}
	if c.NumPages < 2 || uint32(c.NumPages) > flash.NumPages() {
		return nil, errors.Errorf("fds: invalid page count %d", c.NumPages)
	}
	if c.MaxDataBytes < 1 || c.MaxDataBytes > 0xFFFF ||
		recordSize(c.MaxDataBytes)+pageHdrLen > int(flash.PageSize()) {
		return nil, errors.Errorf("fds: invalid max record size %d", c.MaxDataBytes)
	}
	s := &Store{
		flash:     flash,
		cfg:       c,
		firstPage: flash.NumPages() - uint32(c.NumPages),
		records:   make([]int64, c.NumRecords),
		write:     -1,
	}
	for i := range s.records {
		s.records[i] = -1
	}
	return s, nil
}

// Init scans the reserved ring, rebuilds the record index and locates the
// write cursor. A second call without an intervening Format is a no-op.
//
// On structural damage, and on fully erased flash where no cursor exists
// yet, Init falls back to Format when allowFormat is set and returns the
// diagnostic error otherwise. Note that rotation needs NumPages >= 3 to
// never run out of room for relocated records.
func (s *Store) Init(allowFormat bool) error {
	if s.initDone {
		return nil
	}
	for i := range s.records {
		s.records[i] = -1
	}
	s.write = -1

	err := s.scan()
	if err != nil {
		log.Errorf("fds: error while reading the flash: %v", err)
	}
	if err != nil || s.write < 0 {
		if allowFormat {
			log.Info("fds: erasing flash")
			return s.Format()
		}
		log.Debug("fds: erasing flash suppressed")
		if err == nil {
			err = errors.Wrap(ErrCorrupt, "no write cursor")
		}
		return err
	}
	s.initDone = true
	return nil
}

// Write appends a new version of uid holding data and repoints the index
// at it. Either the record is durable and indexed on return, or the store
// and flash still agree on the previous value.
func (s *Store) Write(uid int, data []byte) error {
	if len(data) == 0 || len(data) > s.cfg.MaxDataBytes {
		return ErrSize
	}
	if uid < 0 || uid >= s.cfg.NumRecords {
		return ErrInvalidUID
	}
	if !s.initDone {
		if err := s.Init(true); err != nil {
			return err
		}
	}
	return s.append(uid, marshalRecord(dataMagic, uint8(uid), data), true)
}

// Read copies up to len(p) bytes of the latest record for uid into p and
// returns the number copied. Absent records, an empty p and any implicit
// init failure all yield 0. Truncation is silent; compare against Size to
// detect it.
func (s *Store) Read(uid int, p []byte) int {
	if !s.initDone {
		if err := s.Init(true); err != nil {
			return 0
		}
	}
	if uid < 0 || uid >= s.cfg.NumRecords || len(p) == 0 {
		return 0
	}
	addr := s.records[uid]
	if addr < 0 {
		return 0
	}
	var hdr [recHdrLen]byte
	if s.flash.Read(uint32(addr), hdr[:]) != nil {
		return 0
	}
	siz := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if siz < len(p) {
		p = p[:siz]
	}
	// The payload is contiguous in flash: the even-length part directly
	// followed by the footer Data byte.
	if s.flash.Read(uint32(addr+recHdrLen), p) != nil {
		return 0
	}
	return len(p)
}

// Size reports the stored payload length for uid, or 0 when absent.
func (s *Store) Size(uid int) int {
	if !s.initDone {
		if err := s.Init(true); err != nil {
			return 0
		}
	}
	if uid < 0 || uid >= s.cfg.NumRecords || s.records[uid] < 0 {
		return 0
	}
	var hdr [recHdrLen]byte
	if s.flash.Read(uint32(s.records[uid]), hdr[:]) != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint16(hdr[2:4]))
}

// Del appends a deletion marker for uid and clears its index entry. Reads
// return 0 afterwards, across reboots, until the next Write.
func (s *Store) Del(uid int) error {
	if uid < 0 || uid >= s.cfg.NumRecords {
		return ErrInvalidUID
	}
	if !s.initDone {
		if err := s.Init(true); err != nil {
			return err
		}
	}
	return s.append(uid, marshalRecord(delMagic, uint8(uid), nil), false)
}

// Format erases the whole ring, writes an initial page header with id 0
// onto page 0 and re-runs Init.
func (s *Store) Format() error {
	s.initDone = false

	s.flash.Unlock()
	for page := 0; page < s.cfg.NumPages; page++ {
		if err := s.flash.ErasePage(s.addrOfRing(page)); err != nil {
			s.flash.Lock()
			return errors.Wrapf(ErrFlash, "erase page %d: %v", page, err)
		}
	}
	s.flash.Lock()

	if err := s.writePageHdr(0, 0); err != nil {
		return err
	}
	return s.Init(false)
}

// Snapshot returns a structured view of the store: geometry, write cursor
// position and per-uid presence.
func (s *Store) Snapshot() (*Snapshot, error) {
	if !s.initDone {
		if err := s.Init(true); err != nil {
			return nil, errors.Wrapf(ErrNotReady, "init: %v", err)
		}
	}
	snap := &Snapshot{
		FirstPage:   s.firstPage,
		NumPages:    s.cfg.NumPages,
		NumRecords:  s.cfg.NumRecords,
		WritePage:   s.ringPage(s.write),
		WriteOffset: uint32(s.write) - s.addrOfRing(s.ringPage(s.write)),
		Records:     make([]RecordInfo, s.cfg.NumRecords),
	}
	for uid := range snap.Records {
		if s.records[uid] >= 0 {
			snap.Records[uid] = RecordInfo{Present: true, Size: s.Size(uid)}
		}
	}
	return snap, nil
}

func (s *Store) addrOfRing(page int) uint32 {
	return s.flash.AddrOf(s.firstPage + uint32(page))
}

func (s *Store) ringPage(addr int64) int {
	return int(s.flash.PageOf(uint32(addr)) - s.firstPage)
}

// pageID reads the header of a ring page and returns its sequence number,
// or erasedPageID when the header does not verify.
func (s *Store) pageID(page int) uint16 {
	var b [pageHdrLen]byte
	if s.flash.Read(s.addrOfRing(page), b[:]) != nil {
		return erasedPageID
	}
	return decodePageID(b[:])
}

// scan rebuilds the index and cursor from flash. The active page is the
// one whose ring successor is erased; replay starts at the oldest live
// page and follows the ring so that the index always ends up on the latest
// copy in log order. Only the active page's read moves the write cursor.
func (s *Store) scan() error {
	P := s.cfg.NumPages
	ids := make([]uint16, P)
	erased := 0
	for page := range ids {
		ids[page] = s.pageID(page)
		if ids[page] == erasedPageID {
			erased++
		}
	}
	if erased == P {
		// Fresh device; Init decides whether to bootstrap via Format.
		return nil
	}

	active := -1
	for page := 0; page < P; page++ {
		if ids[page] == erasedPageID || ids[(page+1)%P] != erasedPageID {
			continue
		}
		if active >= 0 {
			return errors.Wrap(ErrCorrupt, "ambiguous active page")
		}
		active = page
	}
	if active < 0 {
		return errors.Wrap(ErrCorrupt, "no erased page")
	}

	// The oldest live page is the first one past the erased gap.
	oldest := active
	for i := 1; i < P; i++ {
		if page := (active + i) % P; ids[page] != erasedPageID {
			oldest = page
			break
		}
	}

	for page, id := oldest, ids[oldest]; ; {
		if ids[page] != id {
			return errors.Wrapf(ErrCorrupt, "page %d id %#x, want %#x", page, ids[page], id)
		}
		if err := s.readPage(page, page == active); err != nil {
			return err
		}
		if page == active {
			return nil
		}
		page = (page + 1) % P
		id = wrapInc16(id)
	}
}

// readPage replays one page's record stream into the index. Records that
// fail their CRC are invisible, torn by power loss or a mid-record driver
// fault, but their claimed extent still positions the next scan point.
// When active is set the write cursor ends up on the first free word.
func (s *Store) readPage(page int, active bool) error {
	base := int64(s.addrOfRing(page))
	end := base + int64(s.flash.PageSize())
	off := base + pageHdrLen

	log.Debugf("fds: reading page %d", page)

	var hdr [recHdrLen]byte
	for off+minRecordSize <= end {
		if err := s.flash.Read(uint32(off), hdr[:]); err != nil {
			return errors.Wrapf(ErrFlash, "read @ %#x: %v", off, err)
		}
		if uid := int(hdr[1]); uid < s.cfg.NumRecords {
			n := int(binary.LittleEndian.Uint16(hdr[2:4]))
			siz := int64(recordSize(n))
			if off+siz > end {
				// Records never straddle pages, so no committed record
				// starts here. A header torn before its size word lands
				// in this branch; the rest of the page cannot be
				// navigated.
				log.Debugf("fds: unreadable tail @ %#x", off)
				off = end
				break
			}
			rec := make([]byte, siz)
			if err := s.flash.Read(uint32(off), rec); err != nil {
				return errors.Wrapf(ErrFlash, "read @ %#x: %v", off, err)
			}
			// The footer word is programmed last, so a torn record's Data
			// slot reads 0xFF; a committed even-length record holds 0 there.
			if crc8Of(rec) != 0 || (n%2 == 0 && rec[siz-2] != 0) {
				log.Debugf("fds: invalid record @ %#x (%d bytes), record ignored", off, siz)
			} else {
				switch hdr[0] {
				case dataMagic:
					log.Debugf("fds: uid %d data @ %#x", uid, off)
					s.records[uid] = off
				case delMagic:
					log.Debugf("fds: uid %d removed @ %#x", uid, off)
					s.records[uid] = -1
				default:
					log.Errorf("fds: invalid header magic @ %#x", off)
				}
			}
			off += siz
			continue
		}
		if erasedWord(hdr[:]) {
			log.Debugf("fds: end of content @ %#x", off)
			break
		}
		return errors.Wrapf(ErrData, "uid %d @ %#x", hdr[1], off)
	}

	if active {
		s.write = off
		log.Debugf("fds: write cursor @ %#x", off)
	}
	return nil
}

// append programs a fully serialized record at the write cursor, rotating
// to the next page first when it does not fit. The index entry for uid
// moves only after the readback CRC proves the record durable; on failure
// the cursor is re-derived from the flash contents so that memory and a
// future replay agree.
func (s *Store) append(uid int, rec []byte, live bool) error {
	// A cursor parked exactly on a page boundary means the previous page
	// was closed with an unusable tail; it always rotates.
	if s.write%int64(s.flash.PageSize()) == 0 ||
		s.ringPage(s.write) != s.ringPage(s.write+int64(len(rec))) {
		if err := s.switchPage(uid); err != nil {
			log.Errorf("fds: error %v while switching pages", err)
			return err
		}
	}

	start := s.write
	log.Debugf("fds: new record starts @ %#x", start)

	err := s.writeToFlash(rec[:recHdrLen], false)
	if err == nil && len(rec) > minRecordSize {
		err = s.writeToFlash(rec[recHdrLen:len(rec)-recFtrLen], false)
	}
	if err == nil {
		err = s.writeToFlash(rec[len(rec)-recFtrLen:], false)
	}
	if err != nil {
		log.Errorf("fds: error %v while writing to the flash", err)
		s.repairCursor(start)
		return err
	}

	buf := make([]byte, len(rec))
	if err := s.flash.Read(uint32(start), buf); err != nil {
		return errors.Wrapf(ErrFlash, "readback @ %#x: %v", start, err)
	}
	if crc8Of(buf) != 0 {
		return errors.Wrapf(ErrCRC, "readback @ %#x", start)
	}

	if live {
		s.records[uid] = start
	} else {
		s.records[uid] = -1
	}
	return nil
}

// repairCursor re-parks the write cursor after a failed append, mirroring
// what a scan of the current flash contents would conclude: an untouched
// slot is reusable, a partially programmed record is skipped over its
// claimed extent, and an unnavigable tail closes the page.
func (s *Store) repairCursor(start int64) {
	end := int64(s.addrOfRing(s.ringPage(start))) + int64(s.flash.PageSize())
	var hdr [recHdrLen]byte
	if s.flash.Read(uint32(start), hdr[:]) != nil {
		s.write = end
		return
	}
	if erasedWord(hdr[:]) {
		s.write = start
		return
	}
	siz := int64(recordSize(int(binary.LittleEndian.Uint16(hdr[2:4]))))
	if start+siz > end {
		s.write = end
		return
	}
	s.write = start + siz
}

// switchPage moves the cursor to the next ring page and recycles the one
// after it. The triggering uid is not relocated; the caller is about to
// append a fresh version, so its copy in the recycled page is dropped from
// the index instead.
func (s *Store) switchPage(uid int) error {
	// write-1 keeps a boundary-parked cursor attributed to the page it
	// closed rather than the one it points into.
	cur := s.ringPage(s.write - 1)
	id := wrapInc16(s.pageID(cur))

	next := (cur + 1) % s.cfg.NumPages
	if s.pageID(next) != erasedPageID {
		return errors.Wrapf(ErrCorrupt, "rotation target page %d not erased", next)
	}
	prev := s.write
	if err := s.writePageHdr(next, id); err != nil {
		s.write = prev
		return err
	}

	recycle := (next + 1) % s.cfg.NumPages
	for n := range s.records {
		if s.records[n] < 0 || s.ringPage(s.records[n]) != recycle {
			continue
		}
		if n == uid {
			s.records[n] = -1
			continue
		}
		if err := s.relocate(n); err != nil {
			return err
		}
	}

	s.flash.Unlock()
	err := s.flash.ErasePage(s.addrOfRing(recycle))
	s.flash.Lock()
	if err != nil {
		return errors.Wrapf(ErrFlash, "erase page %d: %v", recycle, err)
	}
	return nil
}

// relocate copies uid's record byte-for-byte from its current location to
// the write cursor. The original CRC travels with the copy; the readback
// check confirms the destination before the index moves.
func (s *Store) relocate(uid int) error {
	addr := s.records[uid]
	var hdr [recHdrLen]byte
	if err := s.flash.Read(uint32(addr), hdr[:]); err != nil {
		return errors.Wrapf(ErrFlash, "read @ %#x: %v", addr, err)
	}
	siz := recordSize(int(binary.LittleEndian.Uint16(hdr[2:4])))
	rec := make([]byte, siz)
	if err := s.flash.Read(uint32(addr), rec); err != nil {
		return errors.Wrapf(ErrFlash, "read @ %#x: %v", addr, err)
	}

	start := s.write
	if err := s.writeToFlash(rec, true); err != nil {
		return err
	}
	log.Debugf("fds: uid %d relocated %#x -> %#x", uid, addr, start)
	s.records[uid] = start
	return nil
}

// writePageHdr programs a page header onto the given ring page, moving the
// write cursor to the start of its content area.
func (s *Store) writePageHdr(page int, id uint16) error {
	s.write = int64(s.addrOfRing(page))
	if err := s.writeToFlash(encodePageHdr(id), true); err != nil {
		log.Errorf("fds: error %v while writing header of page %d", err, page)
		return err
	}
	return nil
}

// writeToFlash programs p at the write cursor inside an unlock/lock
// bracket and advances the cursor on success. With checkCrc set the
// programmed region is read back and must leave a zero CRC residual.
func (s *Store) writeToFlash(p []byte, checkCrc bool) error {
	start := s.write

	s.flash.Unlock()
	err := s.flash.Program(uint32(start), p)
	s.flash.Lock()
	if err != nil {
		log.Errorf("fds: error %v while programming @ %#x, %d bytes", err, start, len(p))
		return errors.Wrapf(ErrFlash, "program @ %#x: %v", start, err)
	}
	s.write += int64(len(p))

	if !checkCrc {
		return nil
	}
	buf := make([]byte, len(p))
	if err := s.flash.Read(uint32(start), buf); err != nil {
		return errors.Wrapf(ErrFlash, "readback @ %#x: %v", start, err)
	}
	if crc8Of(buf) != 0 {
		return errors.Wrapf(ErrCRC, "readback @ %#x", start)
	}
	return nil
}
