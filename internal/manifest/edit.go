package manifest

import (
	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/encoding"
)

// ErrCorruptManifest is returned when a MANIFEST record cannot be
// decoded into a well-formed VersionEdit.
var ErrCorruptManifest = errors.New("manifest: corrupt edit")

// Tags identify the fields present in an encoded VersionEdit. Numbering
// follows the LevelDB/pebble convention this is grounded on, trimmed to
// the fields this engine actually persists (no column families).
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// VersionEdit is the set of changes applied atomically to produce a new
// Version: which files were added/removed per level, and updated
// bookkeeping counters (spec §6).
type VersionEdit struct {
	HasComparator bool
	Comparator    string

	HasLogNumber bool
	LogNumber    uint64

	HasPrevLogNumber bool
	PrevLogNumber    uint64

	HasNextFileNumber bool
	NextFileNumber    uint64

	HasLastSequence bool
	LastSequence    uint64

	DeletedFiles []DeletedFileEntry
	NewFiles     []NewFileEntry
}

// AddFile records the addition of a file to level.
func (e *VersionEdit) AddFile(level int, f *FileMetaData) {
	e.NewFiles = append(e.NewFiles, NewFileEntry{Level: level, Meta: f})
}

// DeleteFile records the removal of fileNumber from level.
func (e *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	e.DeletedFiles = append(e.DeletedFiles, DeletedFileEntry{Level: level, FileNumber: fileNumber})
}

// Encode serializes the edit as a tagged-varint byte string, ready to be
// handed to a walrecord.Writer as one logical record.
func (e *VersionEdit) Encode() []byte {
	var buf []byte

	if e.HasComparator {
		buf = appendUvarint(buf, tagComparator)
		buf = appendString(buf, e.Comparator)
	}
	if e.HasLogNumber {
		buf = appendUvarint(buf, tagLogNumber)
		buf = appendUvarint(buf, e.LogNumber)
	}
	if e.HasPrevLogNumber {
		buf = appendUvarint(buf, tagPrevLogNumber)
		buf = appendUvarint(buf, e.PrevLogNumber)
	}
	if e.HasNextFileNumber {
		buf = appendUvarint(buf, tagNextFileNumber)
		buf = appendUvarint(buf, e.NextFileNumber)
	}
	if e.HasLastSequence {
		buf = appendUvarint(buf, tagLastSequence)
		buf = appendUvarint(buf, e.LastSequence)
	}
	for _, d := range e.DeletedFiles {
		buf = appendUvarint(buf, tagDeletedFile)
		buf = appendUvarint(buf, uint64(d.Level))
		buf = appendUvarint(buf, d.FileNumber)
	}
	for _, n := range e.NewFiles {
		buf = appendUvarint(buf, tagNewFile)
		buf = appendUvarint(buf, uint64(n.Level))
		buf = appendUvarint(buf, n.Meta.FileNumber)
		buf = appendUvarint(buf, n.Meta.FileSize)
		buf = appendBytes(buf, n.Meta.Smallest)
		buf = appendBytes(buf, n.Meta.Largest)
		buf = appendUvarint(buf, uint64(n.Meta.AllowedSeeks))
	}
	return buf
}

// Decode parses buf (a single logical record's payload) into the edit.
func Decode(buf []byte) (*VersionEdit, error) {
	e := &VersionEdit{}
	for len(buf) > 0 {
		tag, n, err := encoding.GetUvarint(buf)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, err.Error())
		}
		buf = buf[n:]

		switch tag {
		case tagComparator:
			s, rest, err := readString(buf)
			if err != nil {
				return nil, err
			}
			e.HasComparator = true
			e.Comparator = s
			buf = rest

		case tagLogNumber:
			v, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			e.HasLogNumber = true
			e.LogNumber = v
			buf = rest

		case tagPrevLogNumber:
			v, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			e.HasPrevLogNumber = true
			e.PrevLogNumber = v
			buf = rest

		case tagNextFileNumber:
			v, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			e.HasNextFileNumber = true
			e.NextFileNumber = v
			buf = rest

		case tagLastSequence:
			v, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			e.HasLastSequence = true
			e.LastSequence = v
			buf = rest

		case tagDeletedFile:
			level, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			fileNum, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			e.DeletedFiles = append(e.DeletedFiles, DeletedFileEntry{Level: int(level), FileNumber: fileNum})

		case tagNewFile:
			level, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			fileNum, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			size, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			smallest, rest, err := readBytes(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			largest, rest, err := readBytes(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			seeks, rest, err := readUvarint(buf)
			if err != nil {
				return nil, err
			}
			buf = rest
			e.NewFiles = append(e.NewFiles, NewFileEntry{
				Level: int(level),
				Meta: &FileMetaData{
					FileNumber:   fileNum,
					FileSize:     size,
					Smallest:     smallest,
					Largest:      largest,
					AllowedSeeks: int64(seeks),
				},
			})

		default:
			return nil, errors.Wrapf(ErrCorruptManifest, "unknown tag %d", tag)
		}
	}
	return e, nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	return encoding.PutUvarint(dst, v)
}

func appendBytes(dst, b []byte) []byte {
	dst = appendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	return appendBytes(dst, []byte(s))
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n, err := encoding.GetUvarint(buf)
	if err != nil {
		return 0, nil, errors.Wrap(ErrCorruptManifest, err.Error())
	}
	return v, buf[n:], nil
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	length, rest, err := readUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < length {
		return nil, nil, errors.Wrap(ErrCorruptManifest, "truncated bytes field")
	}
	out := make([]byte, length)
	copy(out, rest[:length])
	return out, rest[length:], nil
}

func readString(buf []byte) (string, []byte, error) {
	b, rest, err := readBytes(buf)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}
