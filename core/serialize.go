package core

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// TableHeader precedes a serialized BufferInfo table.
type TableHeader struct {
	Magic    uint32 // "HRTB"
	Version  uint16 // format version
	Reserved uint16 // padding for future use
	Count    uint32 // number of entries
	Checksum uint32 // CRC-32 (IEEE) of the entry words
}

const (
	TableMagic      = 0x42545248 // "HRTB" in little endian
	TableVersion    = 1
	TableHeaderSize = 16 // sizeof(TableHeader)

	// EncodedSize is the size of one encoded BufferInfo.
	EncodedSize = 16
)

var (
	ErrTableTooShort   = errors.New("buffer table: data too short")
	ErrTableMagic      = errors.New("buffer table: invalid magic number")
	ErrTableVersion    = errors.New("buffer table: unsupported version")
	ErrTableCorruption = errors.New("buffer table: data corruption detected")
)

// AppendEncoded appends the little-endian wire form of infos to dst.
func AppendEncoded(dst []byte, infos []BufferInfo) []byte {
	for _, info := range infos {
		w1, w2 := info.Encode()
		dst = binary.LittleEndian.AppendUint64(dst, w1)
		dst = binary.LittleEndian.AppendUint64(dst, w2)
	}
	return dst
}

// DecodeEncoded decodes count BufferInfo values from the start of data.
func DecodeEncoded(data []byte, count int) ([]BufferInfo, error) {
	if count < 0 || len(data) < count*EncodedSize {
		return nil, errors.Wrapf(ErrTableTooShort, "need %d entries, have %d bytes", count, len(data))
	}
	infos := make([]BufferInfo, count)
	for i := range infos {
		off := i * EncodedSize
		infos[i] = DecodeBufferInfo(
			binary.LittleEndian.Uint64(data[off:]),
			binary.LittleEndian.Uint64(data[off+8:]),
		)
	}
	return infos, nil
}

// EncodeTable serializes a BufferInfo table with a header carrying a checksum.
func EncodeTable(infos []BufferInfo) ([]byte, error) {
	body := AppendEncoded(make([]byte, 0, len(infos)*EncodedSize), infos)

	header := TableHeader{
		Magic:    TableMagic,
		Version:  TableVersion,
		Count:    uint32(len(infos)),
		Checksum: crc32.ChecksumIEEE(body),
	}

	buf := bytes.NewBuffer(make([]byte, 0, TableHeaderSize+len(body)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, errors.Wrap(err, "buffer table: writing header")
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// DecodeTable reads a table produced by EncodeTable and verifies its checksum.
func DecodeTable(data []byte) ([]BufferInfo, error) {
	if len(data) < TableHeaderSize {
		return nil, ErrTableTooShort
	}

	var header TableHeader
	if err := binary.Read(bytes.NewReader(data[:TableHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "buffer table: reading header")
	}
	if header.Magic != TableMagic {
		return nil, errors.Wrapf(ErrTableMagic, "got %#x", header.Magic)
	}
	if header.Version != TableVersion {
		return nil, errors.Wrapf(ErrTableVersion, "got %d", header.Version)
	}

	body := data[TableHeaderSize:]
	if uint64(len(body)) < uint64(header.Count)*EncodedSize {
		return nil, errors.Wrapf(ErrTableTooShort, "header declares %d entries, body has %d bytes", header.Count, len(body))
	}
	body = body[:int(header.Count)*EncodedSize]
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, ErrTableCorruption
	}
	return DecodeEncoded(body, int(header.Count))
}

// TableLayout summarizes how much memory a table asks the runtime for.
type TableLayout struct {
	Entries         int
	Constants       int
	Temps           int
	EntryParams     int
	OnStack         int
	TempBytes       uint64 // aligned
	EntryParamBytes uint64 // aligned
	Padding         uint64 // bytes lost to alignment across temps and params
}

// AnalyzeTable reports per-kind counts and aligned byte totals for infos.
func AnalyzeTable(infos []BufferInfo) TableLayout {
	layout := TableLayout{Entries: len(infos)}
	for _, info := range infos {
		switch info.Kind() {
		case KindConstant:
			layout.Constants++
		case KindTempBuffer:
			layout.Temps++
			layout.TempBytes += AlignedSize(info.Size())
			layout.Padding += AlignedSize(info.Size()) - info.Size()
		case KindEntryParameter:
			layout.EntryParams++
			layout.EntryParamBytes += AlignedSize(info.Size())
			layout.Padding += AlignedSize(info.Size()) - info.Size()
		case KindOnStackBuffer:
			layout.OnStack++
		}
	}
	return layout
}
