package version

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/flashkv/flashkv/internal/keys"
	"github.com/flashkv/flashkv/internal/manifest"
	"github.com/flashkv/flashkv/internal/walrecord"
)

// Sentinel errors surfaced by VersionSet operations.
var (
	ErrNoCurrentManifest = errors.New("version: no CURRENT file")
	ErrInvalidManifest   = errors.New("version: malformed CURRENT file")
	ErrComparatorMismatch = errors.New("version: comparator mismatch")
)

// manifestRotationThreshold bounds how large a single MANIFEST file is
// allowed to grow before the next LogAndApply call rotates to a fresh
// one carrying a full snapshot (spec §6).
const manifestRotationThreshold = 4 << 20 // 4 MiB

// Options configures a VersionSet.
type Options struct {
	Dir            string
	ComparatorName string
}

// VersionSet owns the MANIFEST file and the linked list of live
// Versions, and is the only place file numbers, the log number, and the
// last sequence number are assigned. Grounded on rockyardkv's
// VersionSet (Recover/LogAndApply/setCurrentFile), adapted from its vfs
// abstraction to plain os calls and from its internal/wal package to
// this engine's internal/walrecord.
type VersionSet struct {
	mu     sync.Mutex
	listMu sync.Mutex

	opts Options

	current *Version
	dummy   Version

	nextFileNumber     uint64
	manifestFileNumber uint64
	logNumber          uint64
	lastSequence       uint64

	manifestFile   *os.File
	manifestWriter *walrecord.Writer
	manifestSize   int64
}

// New creates an empty VersionSet. Call Create for a brand-new database
// or Recover to reopen an existing one.
func New(opts Options) *VersionSet {
	vs := &VersionSet{opts: opts, nextFileNumber: 2}
	vs.dummy.prev = &vs.dummy
	vs.dummy.next = &vs.dummy
	return vs
}

// Current returns the current Version. The caller should Ref it before
// releasing VersionSet internals and Unref when done.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

// NextFileNumber allocates and returns a fresh file number.
func (vs *VersionSet) NextFileNumber() uint64 {
	return atomic.AddUint64(&vs.nextFileNumber, 1) - 1
}

// LastSequence returns the last assigned sequence number.
func (vs *VersionSet) LastSequence() keys.SequenceNumber {
	return keys.SequenceNumber(atomic.LoadUint64(&vs.lastSequence))
}

// SetLastSequence records seq as the last assigned sequence number.
func (vs *VersionSet) SetLastSequence(seq keys.SequenceNumber) {
	atomic.StoreUint64(&vs.lastSequence, uint64(seq))
}

// LogNumber returns the WAL file number mutations are currently being
// appended to.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNumber
}

// LiveFileNumbers returns the set of file numbers referenced by any
// currently live Version — the installed one plus any older version
// still pinned by an in-flight reader's Ref. A caller may safely delete
// any on-disk SSTable whose number is absent from this set, even right
// after a compaction's VersionEdit commits, without racing a reader
// that is still iterating the version it replaced.
func (vs *VersionSet) LiveFileNumbers() map[uint64]bool {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	live := make(map[uint64]bool)
	for v := vs.dummy.next; v != &vs.dummy; v = v.next {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				live[f.FileNumber] = true
			}
		}
	}
	return live
}

func (vs *VersionSet) appendVersion(v *Version) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	v.prev = vs.dummy.prev
	v.next = &vs.dummy
	v.prev.next = v
	v.next.prev = v
}

// Create initializes a brand-new, empty database: an empty initial
// Version and a fresh MANIFEST recording the comparator.
func (vs *VersionSet) Create() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.current = newVersion(vs)
	vs.current.Ref()
	vs.appendVersion(vs.current)

	edit := &manifest.VersionEdit{
		HasComparator:     true,
		Comparator:        vs.opts.ComparatorName,
		HasLogNumber:      true,
		LogNumber:         0,
		HasNextFileNumber: true,
		NextFileNumber:    atomic.LoadUint64(&vs.nextFileNumber),
		HasLastSequence:   true,
		LastSequence:      0,
	}
	return vs.logAndApplyLocked(edit)
}

// LogAndApply appends edit to the MANIFEST, durably, then installs the
// resulting Version as current. edit.NextFileNumber is always stamped
// with the set's current counter so recovery never reuses a number.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logAndApplyLocked(edit)
}

func (vs *VersionSet) logAndApplyLocked(edit *manifest.VersionEdit) error {
	b := NewBuilder(vs.current)
	b.Apply(edit)
	newVer, err := b.SaveTo(vs)
	if err != nil {
		return err
	}

	edit.HasNextFileNumber = true
	edit.NextFileNumber = atomic.LoadUint64(&vs.nextFileNumber)
	encoded := edit.Encode()

	rotate := vs.manifestWriter == nil || vs.manifestSize > manifestRotationThreshold
	if rotate {
		if err := vs.rotateManifestLocked(); err != nil {
			return err
		}
	}

	n, err := vs.manifestWriter.AddRecord(encoded)
	if err != nil {
		return err
	}
	vs.manifestSize += int64(n)
	if err := vs.manifestFile.Sync(); err != nil {
		return err
	}
	if rotate {
		if err := vs.setCurrentFile(vs.manifestFileNumber); err != nil {
			return err
		}
	}

	newVer.Ref()
	vs.appendVersion(newVer)
	old := vs.current
	vs.current = newVer
	if old != nil {
		old.Unref()
	}
	return nil
}

// rotateManifestLocked creates a fresh MANIFEST file and writes a
// snapshot edit capturing the full current state, so the new file is
// self-contained and the old one can eventually be deleted.
func (vs *VersionSet) rotateManifestLocked() error {
	if vs.manifestFile != nil {
		_ = vs.manifestFile.Close()
	}
	num := vs.NextFileNumber()
	path := vs.manifestPath(num)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	vs.manifestFile = f
	vs.manifestWriter = walrecord.NewWriter(f)
	vs.manifestFileNumber = num
	vs.manifestSize = 0

	snapshot := vs.snapshotLocked()
	n, err := vs.manifestWriter.AddRecord(snapshot.Encode())
	if err != nil {
		return err
	}
	vs.manifestSize += int64(n)
	return vs.manifestFile.Sync()
}

func (vs *VersionSet) snapshotLocked() *manifest.VersionEdit {
	edit := &manifest.VersionEdit{
		HasComparator:     true,
		Comparator:        vs.opts.ComparatorName,
		HasLogNumber:      true,
		LogNumber:         vs.logNumber,
		HasNextFileNumber: true,
		NextFileNumber:    atomic.LoadUint64(&vs.nextFileNumber),
		HasLastSequence:   true,
		LastSequence:      atomic.LoadUint64(&vs.lastSequence),
	}
	if vs.current != nil {
		for level := 0; level < NumLevels; level++ {
			for _, f := range vs.current.files[level] {
				edit.AddFile(level, f)
			}
		}
	}
	return edit
}

// SetLogNumber records the WAL file number new mutations are appended
// to. It reaches the MANIFEST only through the snapshot written when
// the MANIFEST rotates; an edit that should persist it sets its own
// LogNumber.
func (vs *VersionSet) SetLogNumber(n uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.logNumber = n
}

func (vs *VersionSet) manifestPath(num uint64) string {
	return filepath.Join(vs.opts.Dir, fmt.Sprintf("MANIFEST-%06d", num))
}

// setCurrentFile atomically repoints CURRENT at the given MANIFEST,
// via a temp-file-write + fsync + rename + directory-fsync sequence
// (spec §6), grounded on rockyardkv's setCurrentFile.
func (vs *VersionSet) setCurrentFile(manifestNum uint64) error {
	name := fmt.Sprintf("MANIFEST-%06d\n", manifestNum)
	tmpPath := filepath.Join(vs.opts.Dir, "CURRENT.tmp")
	currentPath := filepath.Join(vs.opts.Dir, "CURRENT")

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(name); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		return err
	}
	dir, err := os.Open(vs.opts.Dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// Recover reads CURRENT, replays the MANIFEST it names, and installs
// the resulting Version as current. It also sweeps the database
// directory for SSTable/WAL/MANIFEST files with numbers at or beyond
// nextFileNumber (files the MANIFEST never learned about because a
// crash happened between their creation and the edit that would have
// referenced them) so NextFileNumber never collides with an orphan.
func (vs *VersionSet) Recover() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(vs.opts.Dir, "CURRENT"))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCurrentManifest
		}
		return err
	}
	name := strings.TrimSpace(string(data))
	if !strings.HasPrefix(name, "MANIFEST-") {
		return ErrInvalidManifest
	}
	manifestNum, err := strconv.ParseUint(strings.TrimPrefix(name, "MANIFEST-"), 10, 64)
	if err != nil {
		return ErrInvalidManifest
	}

	f, err := os.Open(filepath.Join(vs.opts.Dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	reader := walrecord.NewReader(f)
	builder := NewBuilder(nil)
	var hasLogNumber, hasNextFileNumber, hasLastSequence bool
	maxFileNumSeen := manifestNum

	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "manifest read")
		}
		edit, err := manifest.Decode(record)
		if err != nil {
			return err
		}
		if edit.HasComparator && edit.Comparator != vs.opts.ComparatorName {
			return errors.Wrapf(ErrComparatorMismatch, "manifest has %q, opening with %q",
				edit.Comparator, vs.opts.ComparatorName)
		}
		builder.Apply(edit)

		for _, nf := range edit.NewFiles {
			if nf.Meta.FileNumber > maxFileNumSeen {
				maxFileNumSeen = nf.Meta.FileNumber
			}
		}
		if edit.HasLogNumber {
			hasLogNumber = true
			vs.logNumber = edit.LogNumber
			if edit.LogNumber > maxFileNumSeen {
				maxFileNumSeen = edit.LogNumber
			}
		}
		if edit.HasNextFileNumber {
			hasNextFileNumber = true
			atomic.StoreUint64(&vs.nextFileNumber, edit.NextFileNumber)
		}
		if edit.HasLastSequence {
			hasLastSequence = true
			atomic.StoreUint64(&vs.lastSequence, edit.LastSequence)
		}
	}

	if !hasLogNumber {
		return errors.Wrap(ErrInvalidManifest, "missing log number")
	}
	if !hasLastSequence {
		return errors.Wrap(ErrInvalidManifest, "missing last sequence")
	}
	if !hasNextFileNumber || atomic.LoadUint64(&vs.nextFileNumber) <= maxFileNumSeen {
		atomic.StoreUint64(&vs.nextFileNumber, maxFileNumSeen+1)
	}

	if onDisk := vs.scanForMaxFileNumber(); onDisk >= atomic.LoadUint64(&vs.nextFileNumber) {
		atomic.StoreUint64(&vs.nextFileNumber, onDisk+1)
	}

	vs.manifestFileNumber = manifestNum
	newVer, err := builder.SaveTo(vs)
	if err != nil {
		return err
	}
	newVer.Ref()
	vs.appendVersion(newVer)
	vs.current = newVer
	return nil
}

// scanForMaxFileNumber walks the database directory looking for the
// highest file number embedded in any *.sst, *.log, or MANIFEST-* name,
// to guard against reusing a number an orphaned file already holds.
func (vs *VersionSet) scanForMaxFileNumber() uint64 {
	entries, err := os.ReadDir(vs.opts.Dir)
	if err != nil {
		return 0
	}
	var max uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var numStr string
		switch {
		case strings.HasSuffix(name, ".sst"):
			numStr = strings.TrimSuffix(name, ".sst")
		case strings.HasSuffix(name, ".log"):
			numStr = strings.TrimSuffix(name, ".log")
		case strings.HasPrefix(name, "MANIFEST-"):
			numStr = strings.TrimPrefix(name, "MANIFEST-")
		default:
			continue
		}
		if n, err := strconv.ParseUint(numStr, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max
}

// Close releases the MANIFEST file handle.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile != nil {
		err := vs.manifestFile.Close()
		vs.manifestFile = nil
		vs.manifestWriter = nil
		return err
	}
	return nil
}
