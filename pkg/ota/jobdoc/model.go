package jobdoc

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// ValueKind is the JSON type a Field accepts.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindUint
	KindStringList
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindUint:
		return "number"
	case KindStringList:
		return "string list"
	}
	return "invalid"
}

// maxFields is bounded by the width of the required-seen mask.
const maxFields = 64

// Field describes one recognized document key. Path is dot separated with
// array elements addressed by index, for example "files.0.filesize". Min
// and Max bound string length (KindString), value (KindUint) or element
// count (KindStringList); a zero Max is unbounded.
type Field struct {
	Path     string
	Kind     ValueKind
	Required bool
	Min, Max uint64
	Set      func(s *Staged, v interface{}) error
}

// Model is a validated set of Fields.
type Model struct {
	fields   []Field
	index    map[string]int
	required uint64
}

// NewModel validates fields. Any misconfiguration is BadModelInitParams.
func NewModel(fields ...Field) (*Model, error) {
	if len(fields) == 0 || len(fields) > maxFields {
		return nil, parseErr(BadModelInitParams, errors.Errorf("model has %d fields, want 1 to %d", len(fields), maxFields))
	}
	m := &Model{fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		switch {
		case f.Path == "" || strings.HasPrefix(f.Path, ".") || strings.HasSuffix(f.Path, "."):
			return nil, parseErr(BadModelInitParams, errors.Errorf("field %d has invalid path %q", i, f.Path))
		case f.Kind < KindString || f.Kind > KindStringList:
			return nil, parseErr(BadModelInitParams, errors.Errorf("field %q has invalid kind", f.Path))
		case f.Set == nil:
			return nil, parseErr(BadModelInitParams, errors.Errorf("field %q has no setter", f.Path))
		case f.Max != 0 && f.Min > f.Max:
			return nil, parseErr(BadModelInitParams, errors.Errorf("field %q bounds %d > %d", f.Path, f.Min, f.Max))
		}
		if _, dup := m.index[f.Path]; dup {
			return nil, parseErr(BadModelInitParams, errors.Errorf("field %q declared twice", f.Path))
		}
		m.index[f.Path] = i
		if f.Required {
			m.required |= 1 << uint(i)
		}
	}
	return m, nil
}

// lookup finds the field at path.
func (m *Model) lookup(path string) (Field, uint, bool) {
	i, ok := m.index[path]
	if !ok {
		return Field{}, 0, false
	}
	return m.fields[i], uint(i), true
}

// missing names required fields absent from seen.
func (m *Model) missing(seen uint64) []string {
	var names []string
	for i, f := range m.fields {
		if m.required&(1<<uint(i)) != 0 && seen&(1<<uint(i)) == 0 {
			names = append(names, f.Path)
		}
	}
	return names
}

// Staged collects decoded values before they are committed to a file
// context.
type Staged struct {
	Job Job

	FilePath   string
	CertPath   string
	StreamName string
	URL        string
	AuthScheme string
	Signature  []byte
	Size       uint32
	FileID     uint32
	FileType   uint32
	Protocols  []string
}

// Paths of the standard document layout.
const (
	PathClientToken = "clientToken"
	PathTimestamp   = "timestamp"
	PathJobID       = "execution.jobId"
	PathSelfTest    = "execution.statusDetails.self_test"
	PathUpdatedBy   = "execution.statusDetails.updatedBy"
	PathOTA         = "execution.jobDocument.afr_ota"
	PathProtocols   = PathOTA + ".protocols"
	PathStreamName  = PathOTA + ".streamname"
	PathFile        = PathOTA + ".files.0"
	PathFilePath    = PathFile + ".filepath"
	PathFileSize    = PathFile + ".filesize"
	PathFileID      = PathFile + ".fileid"
	PathCertFile    = PathFile + ".certfile"
	PathURL         = PathFile + ".update_data_url"
	PathAuthScheme  = PathFile + ".auth_scheme"
	PathFileType    = PathFile + ".fileType"
)

// MaxSignatureKeyLen bounds the platform's signature key name.
const MaxSignatureKeyLen = 32

// StandardFields is the field set of the standard job document. sigKey is
// the file attribute carrying the base64 signature, e.g. "sig-sha256-ecdsa".
func StandardFields(sigKey string, caps Capacities) []Field {
	str := func(dst func(*Staged) *string) func(*Staged, interface{}) error {
		return func(s *Staged, v interface{}) error {
			*dst(s) = v.(string)
			return nil
		}
	}
	num := func(dst func(*Staged) *uint32) func(*Staged, interface{}) error {
		return func(s *Staged, v interface{}) error {
			*dst(s) = uint32(v.(uint64))
			return nil
		}
	}
	const maxU32 = 1<<32 - 1
	return []Field{
		{Path: PathClientToken, Kind: KindString, Max: 64, Set: str(func(s *Staged) *string { return &s.Job.ClientToken })},
		{Path: PathTimestamp, Kind: KindUint, Max: maxU32, Set: num(func(s *Staged) *uint32 { return &s.Job.Timestamp })},
		{Path: PathJobID, Kind: KindString, Required: true, Min: 1, Max: 64, Set: str(func(s *Staged) *string { return &s.Job.ID })},
		{Path: PathSelfTest, Kind: KindString, Max: 16, Set: func(s *Staged, v interface{}) error {
			s.Job.SelfTest = v.(string) != ""
			return nil
		}},
		{Path: PathUpdatedBy, Kind: KindUint, Max: maxU32, Set: num(func(s *Staged) *uint32 { return &s.Job.UpdatedBy })},
		{Path: PathProtocols, Kind: KindStringList, Required: true, Min: 1, Max: 4, Set: func(s *Staged, v interface{}) error {
			s.Protocols = v.([]string)
			return nil
		}},
		{Path: PathStreamName, Kind: KindString, Max: uint64(caps.StreamName), Set: str(func(s *Staged) *string { return &s.StreamName })},
		{Path: PathFilePath, Kind: KindString, Required: true, Min: 1, Max: uint64(caps.FilePath), Set: str(func(s *Staged) *string { return &s.FilePath })},
		{Path: PathFileSize, Kind: KindUint, Required: true, Min: 1, Max: maxU32, Set: num(func(s *Staged) *uint32 { return &s.Size })},
		{Path: PathFileID, Kind: KindUint, Required: true, Max: maxU32, Set: num(func(s *Staged) *uint32 { return &s.FileID })},
		{Path: PathCertFile, Kind: KindString, Required: true, Min: 1, Max: uint64(caps.CertPath), Set: str(func(s *Staged) *string { return &s.CertPath })},
		{Path: PathURL, Kind: KindString, Max: uint64(caps.URL), Set: str(func(s *Staged) *string { return &s.URL })},
		{Path: PathAuthScheme, Kind: KindString, Max: uint64(caps.AuthScheme), Set: str(func(s *Staged) *string { return &s.AuthScheme })},
		{Path: PathFileType, Kind: KindUint, Max: maxU32, Set: num(func(s *Staged) *uint32 { return &s.FileType })},
		{Path: PathFile + "." + sigKey, Kind: KindString, Required: true, Min: 1, Max: uint64(base64.StdEncoding.EncodedLen(caps.Signature)),
			Set: func(s *Staged, v interface{}) error {
				sig, err := base64.StdEncoding.DecodeString(v.(string))
				if err != nil {
					return errors.Wrap(err, "signature")
				}
				if len(sig) > caps.Signature {
					return errors.Errorf("signature of %d bytes exceeds %d", len(sig), caps.Signature)
				}
				s.Signature = sig
				return nil
			}},
	}
}
