package ntfs

import (
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// $LogFile page signatures.
const (
	logPageSignatureRestart = "RSTR"
	logPageSignatureRecord  = "RCRD"
)

const logPageSize = 4096

// RestartArea is the decoded header of one of $LogFile's two restart
// pages (the volume keeps a pair so a torn write to one always leaves
// the other intact).
type RestartArea struct {
	CurrentLSN     uint64
	SequenceNumber uint32
	LogPageSize    uint32
}

// EncodeRestartArea serializes one 4096-byte RSTR page.
func EncodeRestartArea(r *RestartArea) []byte {
	buf := make([]byte, logPageSize)
	copy(buf[0:4], []byte(logPageSignatureRestart))
	binary.LittleEndian.PutUint64(buf[8:], r.CurrentLSN)
	binary.LittleEndian.PutUint32(buf[16:], r.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[20:], r.LogPageSize)
	return buf
}

// DecodeRestartArea parses a 4096-byte RSTR page.
func DecodeRestartArea(buf []byte) (*RestartArea, error) {
	if len(buf) < 24 || string(buf[0:4]) != logPageSignatureRestart {
		return nil, fmt.Errorf("ntfs: bad $LogFile restart signature: %w", &ferr.StructureInvalid{Structure: "RestartArea", Field: "Signature"})
	}
	return &RestartArea{
		CurrentLSN:     binary.LittleEndian.Uint64(buf[8:]),
		SequenceNumber: binary.LittleEndian.Uint32(buf[16:]),
		LogPageSize:    binary.LittleEndian.Uint32(buf[20:]),
	}, nil
}

// ChooseActiveRestartArea picks whichever of the two restart pages has
// the higher CurrentLSN — the one recovery should trust, since the other
// may be the victim of a torn write mid-update.
func ChooseActiveRestartArea(a, b *RestartArea) *RestartArea {
	if b == nil || a.CurrentLSN >= b.CurrentLSN {
		return a
	}
	return b
}

// LSNAllocator hands out monotonically increasing LSNs for records being
// appended to $LogFile, wrapping the sequence number forward whenever the
// log area cycles past its own restart areas.
type LSNAllocator struct {
	next           uint64
	sequenceNumber uint32
	logFileSize    uint64
}

// NewLSNAllocator starts an allocator at the given current LSN (0 for a
// freshly formatted, empty log), over a $LogFile of logFileSize bytes.
func NewLSNAllocator(currentLSN uint64, sequenceNumber uint32, logFileSize uint64) *LSNAllocator {
	return &LSNAllocator{next: currentLSN, sequenceNumber: sequenceNumber, logFileSize: logFileSize}
}

// Reserve allocates recordSize bytes of log space and returns the LSN
// assigned to the record, advancing the allocator by the 8-byte-aligned
// unit count the record consumes. Wrapping past the end of the log area
// bumps the sequence number, the way real $LogFile space reclamation
// does when the write head laps the restart areas.
func (a *LSNAllocator) Reserve(recordSize int) uint64 {
	units := uint64((recordSize + 7) / 8)
	lsn := a.next
	a.next += units
	if a.logFileSize > 0 && a.next >= a.logFileSize/8 {
		a.next -= a.logFileSize / 8
		a.sequenceNumber++
	}
	return lsn
}

// NeedsCheckpoint reports whether the log area has filled past the given
// fraction (0..1) of its capacity, or the oldest unflushed transaction is
// older than maxAge LSN-units — either condition real NTFS treats as a
// reason to force a checkpoint before continuing.
func (a *LSNAllocator) NeedsCheckpoint(oldestUnflushedLSN uint64, fillFraction float64, maxAgeUnits uint64) bool {
	if a.logFileSize == 0 {
		return false
	}
	capacityUnits := a.logFileSize / 8
	used := a.next
	if used < oldestUnflushedLSN {
		used += capacityUnits // wrapped
	}
	used -= oldestUnflushedLSN
	if float64(used)/float64(capacityUnits) >= fillFraction {
		return true
	}
	return used >= maxAgeUnits
}
