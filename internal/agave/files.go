package agave

import (
	"encoding/json"
	"time"
)

// FileType is the kind of a remote file entry.
type FileType int

const (
	TypeInvalid FileType = iota
	TypeFile
	TypeDir
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	}
	return "invalid"
}

// FileEntry is one remote file or folder as reported by a listing or a
// file operation.
type FileEntry struct {
	Path     string
	Name     string
	Type     FileType
	Size     int64
	Modified time.Time
}

type wireFile struct {
	Name         *string         `json:"name"`
	Path         json.RawMessage `json:"path"`
	Type         string          `json:"type"`
	Format       *string         `json:"format"`
	NativeFormat *string         `json:"nativeFormat"`
	Length       float64         `json:"length"`
	LastModified string          `json:"lastModified"`
}

// DecodeFileEntry decodes one file object.
func DecodeFileEntry(raw json.RawMessage) (FileEntry, error) {
	var w wireFile
	if err := json.Unmarshal(raw, &w); err != nil {
		return FileEntry{}, missing("file entry: %v", err)
	}
	if w.Format == nil && w.NativeFormat == nil {
		return FileEntry{}, missing("file entry has no format")
	}
	if w.Name == nil {
		return FileEntry{}, missing("file entry has no name")
	}
	var path string
	if len(w.Path) == 0 || json.Unmarshal(w.Path, &path) != nil {
		return FileEntry{}, missing("file entry path is not a string")
	}

	e := FileEntry{Name: *w.Name, Path: path, Size: int64(w.Length)}
	if e.Name == "." {
		e.Path = path + "/."
	}

	typ := w.Type
	if typ == "" && w.NativeFormat != nil {
		typ = *w.NativeFormat
	}
	switch typ {
	case "dir":
		e.Type = TypeDir
	case "file", "raw":
		e.Type = TypeFile
	default:
		return FileEntry{}, missing("file entry %s has unknown type %q", path, typ)
	}

	if w.LastModified != "" {
		if t, err := ParseAgaveTime(w.LastModified); err == nil {
			e.Modified = t
		}
	}
	return e, nil
}

// DecodeFileList decodes the result array of a listing. Any invalid entry
// fails the whole list.
func DecodeFileList(d *Document) ([]FileEntry, error) {
	raw, ok := d.Result()
	if !ok {
		return nil, missing("listing has no result")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, missing("listing result is not an array")
	}
	entries := make([]FileEntry, 0, len(items))
	for _, item := range items {
		e, err := DecodeFileEntry(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DecodeFileResult decodes the single file object returned by upload,
// mkdir, rename, copy and move.
func DecodeFileResult(d *Document) (FileEntry, error) {
	raw, ok := d.Result()
	if !ok {
		return FileEntry{}, missing("reply has no result")
	}
	return DecodeFileEntry(raw)
}
