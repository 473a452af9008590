package ntfs

import (
	"encoding/binary"
	"fmt"

	"github.com/diskforge/diskforge/pkg/ferr"
)

// Standard attribute type codes.
const (
	AttrStandardInformation uint32 = 0x10
	AttrAttributeList       uint32 = 0x20
	AttrFileName            uint32 = 0x30
	AttrObjectID            uint32 = 0x40
	AttrSecurityDescriptor  uint32 = 0x50
	AttrVolumeName          uint32 = 0x60
	AttrVolumeInformation   uint32 = 0x70
	AttrData                uint32 = 0x80
	AttrIndexRoot           uint32 = 0x90
	AttrIndexAllocation     uint32 = 0xA0
	AttrBitmap              uint32 = 0xB0
	AttrReparsePoint        uint32 = 0xC0
	AttrEA                  uint32 = 0xE0
	AttrAttributeEnd        uint32 = 0xFFFFFFFF
)

// Reparse tags this engine understands.
const (
	ReparseTagMountPoint   uint32 = 0xA0000003
	ReparseTagSymlink      uint32 = 0xA000000C
	ReparseTagAppExecLink  uint32 = 0x8000001B
)

const attrHeaderCommonSize = 16

// AttributeHeader is the portion common to resident and non-resident
// attributes: type, total length, residency flag, name, and instance id.
type AttributeHeader struct {
	Type         uint32
	Length       uint32
	NonResident  bool
	NameLength   uint8
	NameOffset   uint16
	Flags        uint16
	InstanceID   uint16
	Name         string
}

// ResidentAttribute is a decoded resident attribute: its header plus the
// raw attribute value bytes.
type ResidentAttribute struct {
	AttributeHeader
	Value []byte
}

// NonResidentAttribute is a decoded non-resident attribute: its header
// plus the decoded data-run list and size bookkeeping.
type NonResidentAttribute struct {
	AttributeHeader
	StartVCN        uint64
	LastVCN         uint64
	DataSize        uint64
	AllocatedSize   uint64
	InitializedSize uint64
	CompressionUnit uint8
	Runs            []Run
}

// EncodeResident serializes a resident attribute record: header + value,
// 8-byte aligned, the way pkg/ext4's extent encoder packs fixed headers
// followed by a packed entry array.
func EncodeResident(attrType uint32, name string, value []byte, instanceID uint16) []byte {
	nameUTF16 := utf16Encode(name)
	headerLen := attrHeaderCommonSize + 8 // + resident-specific fields
	nameOffset := headerLen
	valueOffset := nameOffset + len(nameUTF16)
	valueOffset = (valueOffset + 7) &^ 7
	total := valueOffset + len(value)
	total = (total + 7) &^ 7

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:], attrType)
	binary.LittleEndian.PutUint32(buf[4:], uint32(total))
	buf[8] = 0 // resident
	buf[9] = uint8(len(nameUTF16) / 2)
	binary.LittleEndian.PutUint16(buf[10:], uint16(nameOffset))
	binary.LittleEndian.PutUint16(buf[12:], 0) // flags
	binary.LittleEndian.PutUint16(buf[14:], instanceID)

	binary.LittleEndian.PutUint32(buf[16:], uint32(len(value)))
	binary.LittleEndian.PutUint16(buf[20:], uint16(valueOffset))
	buf[22] = 0 // indexed flag, unused by this engine's writer

	copy(buf[nameOffset:], nameUTF16)
	copy(buf[valueOffset:], value)
	return buf
}

// EncodeNonResident serializes a non-resident attribute record: header +
// encoded data runs. dataSize/allocatedSize/initializedSize follow the
// same-value convention this engine uses (no sparse/compressed writes).
func EncodeNonResident(attrType uint32, name string, startVCN, lastVCN uint64, runs []Run, dataSize, allocatedSize uint64, instanceID uint16) []byte {
	nameUTF16 := utf16Encode(name)
	headerLen := attrHeaderCommonSize + 48
	nameOffset := headerLen
	runsOffset := nameOffset + len(nameUTF16)
	runsOffset = (runsOffset + 7) &^ 7

	encodedRuns := EncodeDataRuns(runs)
	total := runsOffset + len(encodedRuns)
	total = (total + 7) &^ 7

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:], attrType)
	binary.LittleEndian.PutUint32(buf[4:], uint32(total))
	buf[8] = 1 // non-resident
	buf[9] = uint8(len(nameUTF16) / 2)
	binary.LittleEndian.PutUint16(buf[10:], uint16(nameOffset))
	binary.LittleEndian.PutUint16(buf[12:], 0)
	binary.LittleEndian.PutUint16(buf[14:], instanceID)

	binary.LittleEndian.PutUint64(buf[16:], startVCN)
	binary.LittleEndian.PutUint64(buf[24:], lastVCN)
	binary.LittleEndian.PutUint16(buf[32:], uint16(runsOffset))
	buf[34] = 0 // compression unit: 0, uncompressed writes only
	binary.LittleEndian.PutUint64(buf[40:], allocatedSize)
	binary.LittleEndian.PutUint64(buf[48:], dataSize)
	binary.LittleEndian.PutUint64(buf[56:], dataSize) // initialized size

	copy(buf[nameOffset:], nameUTF16)
	copy(buf[runsOffset:], encodedRuns)
	return buf
}

// DecodeAttribute parses one attribute record starting at buf[0], returning
// either a *ResidentAttribute or *NonResidentAttribute and the record's
// total length so the caller can advance to the next attribute.
func DecodeAttribute(buf []byte) (interface{}, int, error) {
	if len(buf) >= 4 && binary.LittleEndian.Uint32(buf[0:]) == AttrAttributeEnd {
		return nil, 0, nil
	}
	if len(buf) < attrHeaderCommonSize {
		return nil, 0, fmt.Errorf("ntfs: short attribute header: %w", ferr.ErrStructureInvalid)
	}
	attrType := binary.LittleEndian.Uint32(buf[0:])
	length := binary.LittleEndian.Uint32(buf[4:])
	if int(length) > len(buf) || length < attrHeaderCommonSize {
		return nil, 0, fmt.Errorf("ntfs: bad attribute length: %w", ferr.ErrStructureInvalid)
	}
	nonResident := buf[8] != 0
	nameLen := buf[9]
	nameOffset := binary.LittleEndian.Uint16(buf[10:])
	instanceID := binary.LittleEndian.Uint16(buf[14:])

	var name string
	if nameLen > 0 {
		name = utf16Decode(buf[nameOffset : int(nameOffset)+int(nameLen)*2])
	}

	base := AttributeHeader{
		Type:        attrType,
		Length:      length,
		NonResident: nonResident,
		NameLength:  nameLen,
		NameOffset:  nameOffset,
		InstanceID:  instanceID,
		Name:        name,
	}

	if !nonResident {
		valueLength := binary.LittleEndian.Uint32(buf[16:])
		valueOffset := binary.LittleEndian.Uint16(buf[20:])
		if int(valueOffset)+int(valueLength) > int(length) {
			return nil, 0, fmt.Errorf("ntfs: resident value overflows attribute: %w", ferr.ErrStructureInvalid)
		}
		value := make([]byte, valueLength)
		copy(value, buf[valueOffset:int(valueOffset)+int(valueLength)])
		return &ResidentAttribute{AttributeHeader: base, Value: value}, int(length), nil
	}

	if length < 64 {
		return nil, 0, fmt.Errorf("ntfs: non-resident attribute header truncated: %w", ferr.ErrStructureInvalid)
	}
	startVCN := binary.LittleEndian.Uint64(buf[16:])
	lastVCN := binary.LittleEndian.Uint64(buf[24:])
	runsOffset := binary.LittleEndian.Uint16(buf[32:])
	compressionUnit := buf[34]
	allocatedSize := binary.LittleEndian.Uint64(buf[40:])
	dataSize := binary.LittleEndian.Uint64(buf[48:])
	initSize := binary.LittleEndian.Uint64(buf[56:])

	if int(runsOffset) > int(length) {
		return nil, 0, fmt.Errorf("ntfs: data runs offset overflows attribute: %w", ferr.ErrStructureInvalid)
	}
	runs, err := DecodeDataRuns(buf[runsOffset:length])
	if err != nil {
		return nil, 0, err
	}

	return &NonResidentAttribute{
		AttributeHeader: base,
		StartVCN:        startVCN,
		LastVCN:         lastVCN,
		DataSize:        dataSize,
		AllocatedSize:   allocatedSize,
		InitializedSize: initSize,
		CompressionUnit: compressionUnit,
		Runs:            runs,
	}, int(length), nil
}

// WalkAttributes calls fn for each attribute in buf until the end marker
// or fn returns false.
func WalkAttributes(buf []byte, fn func(attr interface{}) bool) error {
	off := 0
	for off+4 <= len(buf) {
		attr, n, err := DecodeAttribute(buf[off:])
		if err != nil {
			return err
		}
		if attr == nil {
			return nil
		}
		if !fn(attr) {
			return nil
		}
		off += n
	}
	return nil
}

// StandardInformation is the decoded value of an $STANDARD_INFORMATION
// attribute (the timestamps and basic DOS-ish attribute bits).
type StandardInformation struct {
	CreationTime   uint64
	ModifiedTime   uint64
	MFTChangedTime uint64
	AccessTime     uint64
	FileAttributes uint32
}

func EncodeStandardInformation(si *StandardInformation) []byte {
	buf := make([]byte, 48)
	binary.LittleEndian.PutUint64(buf[0:], si.CreationTime)
	binary.LittleEndian.PutUint64(buf[8:], si.ModifiedTime)
	binary.LittleEndian.PutUint64(buf[16:], si.MFTChangedTime)
	binary.LittleEndian.PutUint64(buf[24:], si.AccessTime)
	binary.LittleEndian.PutUint32(buf[32:], si.FileAttributes)
	return buf
}

func DecodeStandardInformation(buf []byte) (*StandardInformation, error) {
	if len(buf) < 36 {
		return nil, fmt.Errorf("ntfs: short STANDARD_INFORMATION: %w", ferr.ErrStructureInvalid)
	}
	return &StandardInformation{
		CreationTime:   binary.LittleEndian.Uint64(buf[0:]),
		ModifiedTime:   binary.LittleEndian.Uint64(buf[8:]),
		MFTChangedTime: binary.LittleEndian.Uint64(buf[16:]),
		AccessTime:     binary.LittleEndian.Uint64(buf[24:]),
		FileAttributes: binary.LittleEndian.Uint32(buf[32:]),
	}, nil
}

// FileNameAttr is the decoded value of a $FILE_NAME attribute.
type FileNameAttr struct {
	ParentRef      uint64
	CreationTime   uint64
	ModifiedTime   uint64
	MFTChangedTime uint64
	AccessTime     uint64
	AllocatedSize  uint64
	DataSize       uint64
	FileAttributes uint32
	Name           string
}

func EncodeFileName(f *FileNameAttr) []byte {
	nameUTF16 := utf16Encode(f.Name)
	buf := make([]byte, 66+len(nameUTF16))
	binary.LittleEndian.PutUint64(buf[0:], f.ParentRef)
	binary.LittleEndian.PutUint64(buf[8:], f.CreationTime)
	binary.LittleEndian.PutUint64(buf[16:], f.ModifiedTime)
	binary.LittleEndian.PutUint64(buf[24:], f.MFTChangedTime)
	binary.LittleEndian.PutUint64(buf[32:], f.AccessTime)
	binary.LittleEndian.PutUint64(buf[40:], f.AllocatedSize)
	binary.LittleEndian.PutUint64(buf[48:], f.DataSize)
	binary.LittleEndian.PutUint32(buf[56:], f.FileAttributes)
	buf[64] = uint8(len(nameUTF16) / 2)
	buf[65] = 1 // namespace: Win32
	copy(buf[66:], nameUTF16)
	return buf
}

func DecodeFileName(buf []byte) (*FileNameAttr, error) {
	if len(buf) < 66 {
		return nil, fmt.Errorf("ntfs: short FILE_NAME: %w", ferr.ErrStructureInvalid)
	}
	nameLen := int(buf[64])
	if 66+nameLen*2 > len(buf) {
		return nil, fmt.Errorf("ntfs: FILE_NAME name overflow: %w", ferr.ErrStructureInvalid)
	}
	return &FileNameAttr{
		ParentRef:      binary.LittleEndian.Uint64(buf[0:]),
		CreationTime:   binary.LittleEndian.Uint64(buf[8:]),
		ModifiedTime:   binary.LittleEndian.Uint64(buf[16:]),
		MFTChangedTime: binary.LittleEndian.Uint64(buf[24:]),
		AccessTime:     binary.LittleEndian.Uint64(buf[32:]),
		AllocatedSize:  binary.LittleEndian.Uint64(buf[40:]),
		DataSize:       binary.LittleEndian.Uint64(buf[48:]),
		FileAttributes: binary.LittleEndian.Uint32(buf[56:]),
		Name:           utf16Decode(buf[66 : 66+nameLen*2]),
	}, nil
}

// ReparsePoint is the decoded value of a $REPARSE_POINT attribute,
// covering the tag-specific payloads this engine understands for reads.
type ReparsePoint struct {
	Tag            uint32
	SubstituteName string
	PrintName      string
}

// DecodeReparsePoint parses the mount-point/symlink payload shape: an
// 8-byte header (tag, data length, reserved) followed by substitute and
// print name offset/length pairs into a shared UTF-16 name buffer. Other
// reparse tags (e.g. app-exec-link) are returned with empty names; only
// the tag is guaranteed.
func DecodeReparsePoint(buf []byte) (*ReparsePoint, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("ntfs: short REPARSE_POINT: %w", ferr.ErrStructureInvalid)
	}
	tag := binary.LittleEndian.Uint32(buf[0:])
	rp := &ReparsePoint{Tag: tag}
	if tag != ReparseTagMountPoint && tag != ReparseTagSymlink {
		return rp, nil
	}
	if len(buf) < 8+8 {
		return rp, nil
	}
	payload := buf[8:]
	subOff := binary.LittleEndian.Uint16(payload[0:])
	subLen := binary.LittleEndian.Uint16(payload[2:])
	printOff := binary.LittleEndian.Uint16(payload[4:])
	printLen := binary.LittleEndian.Uint16(payload[6:])
	namesStart := 8
	if tag == ReparseTagSymlink {
		namesStart = 12 // symlink payload has an extra 4-byte flags field
		if len(payload) < 4 {
			return rp, nil
		}
		subOff = binary.LittleEndian.Uint16(payload[4:])
		subLen = binary.LittleEndian.Uint16(payload[6:])
		printOff = binary.LittleEndian.Uint16(payload[8:])
		printLen = binary.LittleEndian.Uint16(payload[10:])
	}
	names := payload[namesStart:]
	if int(subOff)+int(subLen) <= len(names) {
		rp.SubstituteName = utf16Decode(names[subOff : int(subOff)+int(subLen)])
	}
	if int(printOff)+int(printLen) <= len(names) {
		rp.PrintName = utf16Decode(names[printOff : int(printOff)+int(printLen)])
	}
	return rp, nil
}
