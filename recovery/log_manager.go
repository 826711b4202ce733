package recovery

import (
	"encoding/binary"

	"github.com/ugorji/go/codec"

	"github.com/medaka-db/medaka/common"
	"github.com/medaka-db/medaka/storage/disk"
	"github.com/medaka-db/medaka/types"
)

// records travel as positional arrays, not field-name maps: the frames stay
// small and the master record always fits the fixed head region
var logCodecHandle = new(codec.MsgpackHandle)

func init() {
	logCodecHandle.StructToArray = true
}

/**
 * LogManager owns the append-only record stream. LSNs are assigned densely
 * (next_lsn++) at append time, so a record's LSN doubles as its index into
 * the in-memory stream; the on-disk form is a sequence of length-prefixed
 * msgpack frames behind a fixed-size rewritable master frame.
 */
type LogManager struct {
	latch        common.ReaderWriterLatch
	disk_manager disk.DiskManager
	records      []*LogRecord
	flushed_lsn  types.LSN
}

// NewLogManager opens the log, replaying whatever frames survived on disk
func NewLogManager(disk_manager disk.DiskManager) *LogManager {
	ret := new(LogManager)
	ret.latch = common.NewRWLatch()
	ret.disk_manager = disk_manager
	ret.flushed_lsn = common.InvalidLSN

	head := disk_manager.ReadLogHead()
	if head == nil {
		return ret
	}
	master, _ := deserializeLogRecord(head)
	if master == nil {
		return ret
	}
	ret.records = append(ret.records, master)

	stream := disk_manager.LogBytes()
	offset := 0
	for offset < len(stream) {
		record, consumed := deserializeLogRecord(stream[offset:])
		if record == nil {
			break
		}
		ret.records = append(ret.records, record)
		offset += consumed
	}
	ret.flushed_lsn = types.LSN(len(ret.records) - 1)
	return ret
}

// AppendLogRecord assigns the record its LSN and stores it in the stream.
// Nothing is durable until a flush reaches the record, except a master
// record, which is written to the head frame at once.
func (log_manager *LogManager) AppendLogRecord(log_record *LogRecord) types.LSN {
	log_manager.latch.WLock()
	defer log_manager.latch.WUnlock()

	log_record.Lsn = types.LSN(len(log_manager.records))
	log_manager.records = append(log_manager.records, log_record)
	if log_record.Log_record_type == MASTER {
		common.MkAssert(log_record.Lsn == 0, "master record can only live at LSN 0")
		log_manager.disk_manager.WriteLogHead(serializeLogRecord(log_record))
		log_manager.flushed_lsn = 0
	}
	return log_record.Lsn
}

// FetchLogRecord returns the record at lsn. An unknown LSN is a caller bug.
func (log_manager *LogManager) FetchLogRecord(lsn types.LSN) *LogRecord {
	log_manager.latch.RLock()
	defer log_manager.latch.RUnlock()
	common.MkAssert(lsn >= 0 && int(lsn) < len(log_manager.records), "FetchLogRecord: unknown LSN")
	return log_manager.records[lsn]
}

// GetFlushedLSN returns the highest LSN known durable
func (log_manager *LogManager) GetFlushedLSN() types.LSN {
	log_manager.latch.RLock()
	defer log_manager.latch.RUnlock()
	return log_manager.flushed_lsn
}

// Flush makes every appended record durable
func (log_manager *LogManager) Flush() {
	log_manager.latch.WLock()
	defer log_manager.latch.WUnlock()
	log_manager.flushLocked()
}

func (log_manager *LogManager) flushLocked() {
	start := log_manager.flushed_lsn + 1
	if start < 1 {
		// LSN 0 travels through the head frame, never the stream
		start = 1
	}
	for lsn := start; int(lsn) < len(log_manager.records); lsn++ {
		log_manager.disk_manager.WriteLog(serializeLogRecord(log_manager.records[lsn]))
	}
	if len(log_manager.records) > 0 {
		log_manager.flushed_lsn = types.LSN(len(log_manager.records) - 1)
	}
}

// FlushToLSN flushes the log through at least lsn
func (log_manager *LogManager) FlushToLSN(lsn types.LSN) {
	log_manager.latch.WLock()
	defer log_manager.latch.WUnlock()
	if lsn <= log_manager.flushed_lsn {
		return
	}
	log_manager.flushLocked()
}

// RewriteMasterRecord replaces the record at LSN 0 in place
func (log_manager *LogManager) RewriteMasterRecord(master *LogRecord) {
	common.MkAssert(master.Log_record_type == MASTER, "only a master record can live at LSN 0")
	log_manager.latch.WLock()
	defer log_manager.latch.WUnlock()
	master.Lsn = 0
	log_manager.records[0] = master
	log_manager.disk_manager.WriteLogHead(serializeLogRecord(master))
}

// ScanFrom returns a forward-only iterator over [lsn, end of log].
// The end is fixed at creation; records appended later are not visited.
func (log_manager *LogManager) ScanFrom(lsn types.LSN) *LogIterator {
	log_manager.latch.RLock()
	defer log_manager.latch.RUnlock()
	if lsn < 0 {
		lsn = 0
	}
	return &LogIterator{log_manager: log_manager, next: lsn, end: types.LSN(len(log_manager.records))}
}

// Close flushes every appended record
func (log_manager *LogManager) Close() {
	log_manager.Flush()
}

// LogIterator is a pull-based scan over a fixed range of the log
type LogIterator struct {
	log_manager *LogManager
	next        types.LSN
	end         types.LSN
}

func (it *LogIterator) Next() (*LogRecord, bool) {
	if it.next >= it.end {
		return nil, false
	}
	record := it.log_manager.FetchLogRecord(it.next)
	it.next += 1
	return record, true
}

func serializeLogRecord(log_record *LogRecord) []byte {
	var body []byte
	enc := codec.NewEncoderBytes(&body, logCodecHandle)
	enc.MustEncode(log_record)
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// deserializeLogRecord decodes one frame, returning the record and the bytes
// consumed. A zero-length or truncated frame yields nil.
func deserializeLogRecord(data []byte) (*LogRecord, int) {
	if len(data) < 4 {
		return nil, 0
	}
	bodyLen := int(binary.LittleEndian.Uint32(data[:4]))
	if bodyLen == 0 || len(data) < 4+bodyLen {
		return nil, 0
	}
	record := new(LogRecord)
	dec := codec.NewDecoderBytes(data[4:4+bodyLen], logCodecHandle)
	if err := dec.Decode(record); err != nil {
		return nil, 0
	}
	return record, 4 + bodyLen
}
