// Package jobdoc decodes job documents into a file transfer context.
package jobdoc

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
)

// Job is what a document says about the job itself.
type Job struct {
	ID          string
	ClientToken string
	Timestamp   uint32
	// SelfTest is set when the service reports the job in its self-test
	// phase, after the device rebooted into the new image.
	SelfTest  bool
	UpdatedBy uint32
	// Custom jobs were handled by the custom parser.
	Custom bool
}

// CustomParser handles documents outside the standard layout. Its result is
// returned to the agent unmodified.
type CustomParser func(doc []byte) ParseErr

// Capacities are the sizes of the file context's borrowed buffers, used to
// bound field lengths.
type Capacities struct {
	FilePath, CertPath, StreamName, URL, AuthScheme, Signature int
}

// CapacitiesOf reads the capacities of fc's buffers.
func CapacitiesOf(fc *file.Context) Capacities {
	return Capacities{
		FilePath:   fc.FilePath.Cap(),
		CertPath:   fc.CertPath.Cap(),
		StreamName: fc.StreamName.Cap(),
		URL:        fc.URL.Cap(),
		AuthScheme: fc.AuthScheme.Cap(),
		Signature:  fc.SignatureCap(),
	}
}

// Config configures a Parser.
type Config struct {
	// SignatureKey names the signature attribute of a file.
	SignatureKey string
	BlockSize    uint32
	// Protocols lists the data protocols the agent supports, in order of
	// preference.
	Protocols []file.Protocol
	Custom    CustomParser
	// Fields overrides the standard field model.
	Fields []Field
}

// Parser validates job documents against a field model.
type Parser struct {
	cfg      Config
	model    *Model
	modelErr error
}

// New builds a parser for documents filling fc. A misconfigured model is
// not reported here; every standard document parse reports it as
// BadModelInitParams.
func New(cfg Config, fc *file.Context) *Parser {
	p := &Parser{cfg: cfg}
	fields := cfg.Fields
	if fields == nil {
		if cfg.SignatureKey == "" || len(cfg.SignatureKey) > MaxSignatureKeyLen || strings.Contains(cfg.SignatureKey, ".") {
			p.modelErr = parseErr(BadModelInitParams, errors.Errorf("invalid signature key %q", cfg.SignatureKey))
			return p
		}
		fields = StandardFields(cfg.SignatureKey, CapacitiesOf(fc))
	}
	if cfg.BlockSize == 0 || len(cfg.Protocols) == 0 {
		p.modelErr = parseErr(BadModelInitParams, errors.New("block size and protocols are required"))
		return p
	}
	p.model, p.modelErr = NewModel(fields...)
	return p
}

// Parse decodes doc into fc. activeJob is the job currently held, if any.
// The returned Job holds whatever was learned, even on failure, so that a
// failure may be reported against the job. fc is only modified on success.
func (p *Parser) Parse(doc []byte, activeJob string, fc *file.Context) (Job, error) {
	var job Job

	tree, err := decode(doc)
	if err != nil {
		return job, parseErr(NonConformingJobDoc, err)
	}

	job.ID, _ = lookupString(tree, PathJobID)
	if job.ID == "" {
		return job, parseErr(NullJob, nil)
	}
	if job.ID == activeJob {
		return job, parseErr(UpdateCurrentJob, nil)
	}

	if _, ok := lookup(tree, PathOTA); !ok {
		job.Custom = true
		if p.cfg.Custom == nil {
			return job, parseErr(NonConformingJobDoc, errors.New("no standard job section and no custom parser"))
		}
		if res := p.cfg.Custom(doc); res != None {
			return job, parseErr(res, nil)
		}
		return job, nil
	}

	if v, ok := lookup(tree, PathFileSize); ok {
		if n, isNum := v.(json.Number); isNum {
			if f, err := n.Float64(); err == nil && f == 0 {
				return job, parseErr(ZeroFileSize, nil)
			}
		}
	}

	var staged Staged
	if p.modelErr == nil {
		staged, err = p.validate(tree)
		if err != nil {
			return job, err
		}
		job = staged.Job
	}

	if fc.InUse() {
		return job, parseErr(NoContextAvailable, nil)
	}

	if p.modelErr != nil {
		return job, p.modelErr
	}

	if err := p.commit(&staged, fc); err != nil {
		return job, err
	}
	return job, nil
}

// validate walks the document once, matching keys against the model.
func (p *Parser) validate(tree map[string]interface{}) (Staged, error) {
	var (
		staged Staged
		seen   uint64
		errs   []string
	)
	walk("", tree, func(path string) bool {
		_, _, ok := p.model.lookup(path)
		return ok
	}, func(path string, v interface{}) {
		f, bit, _ := p.model.lookup(path)
		val, err := convert(f, v)
		if err == nil {
			err = f.Set(&staged, val)
		}
		if err != nil {
			errs = append(errs, path+": "+err.Error())
			return
		}
		seen |= 1 << bit
	})
	if missing := p.model.missing(seen); len(missing) != 0 {
		errs = append(errs, "missing "+strings.Join(missing, ", "))
	}
	if len(errs) != 0 {
		sort.Strings(errs)
		return staged, parseErr(NonConformingJobDoc, errors.New(strings.Join(errs, "; ")))
	}
	return staged, nil
}

func (p *Parser) selectProtocol(offered []string) file.Protocol {
	for _, want := range p.cfg.Protocols {
		for _, o := range offered {
			if file.ParseProtocol(o) == want {
				return want
			}
		}
	}
	return file.ProtocolUnknown
}

// commit checks the staged values against fc and copies them in.
func (p *Parser) commit(s *Staged, fc *file.Context) error {
	proto := p.selectProtocol(s.Protocols)
	switch {
	case proto == file.ProtocolUnknown:
		return parseErr(NonConformingJobDoc, errcode.Errorf(errcode.InvalidDataProtocol, "offered %v", s.Protocols))
	case proto == file.ProtocolMessaging && s.StreamName == "":
		return parseErr(NonConformingJobDoc, errors.New("stream name required for streamed transfer"))
	case proto == file.ProtocolBulk && s.URL == "":
		return parseErr(NonConformingJobDoc, errors.New("url required for bulk transfer"))
	}
	if err := fc.Prepare(s.Size, p.cfg.BlockSize); err != nil {
		return parseErr(NonConformingJobDoc, err)
	}
	for _, set := range []struct {
		dst *file.Text
		v   string
	}{
		{&fc.FilePath, s.FilePath},
		{&fc.CertPath, s.CertPath},
		{&fc.StreamName, s.StreamName},
		{&fc.URL, s.URL},
		{&fc.AuthScheme, s.AuthScheme},
	} {
		if err := set.dst.Set(set.v); err != nil {
			fc.Release()
			return parseErr(NonConformingJobDoc, err)
		}
	}
	if err := fc.SetSignature(s.Signature); err != nil {
		fc.Release()
		return parseErr(NonConformingJobDoc, err)
	}
	fc.FileID = s.FileID
	fc.FileType = s.FileType
	fc.UpdatedBy = s.Job.UpdatedBy
	fc.Protocol = proto
	fc.Claim()
	return nil
}

func decode(doc []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var tree map[string]interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if tree == nil {
		return nil, errors.New("document is not an object")
	}
	return tree, nil
}

// walk visits the leaves of v, or the first node for which stop is true.
func walk(prefix string, v interface{}, stop func(string) bool, visit func(string, interface{})) {
	if prefix != "" && stop(prefix) {
		visit(prefix, v)
		return
	}
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch node := v.(type) {
	case map[string]interface{}:
		for k, child := range node {
			walk(join(k), child, stop, visit)
		}
	case []interface{}:
		for i, child := range node {
			walk(join(strconv.Itoa(i)), child, stop, visit)
		}
	}
}

func lookup(tree map[string]interface{}, path string) (interface{}, bool) {
	var node interface{} = tree
	for _, part := range strings.Split(path, ".") {
		switch n := node.(type) {
		case map[string]interface{}:
			child, ok := n[part]
			if !ok {
				return nil, false
			}
			node = child
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

func lookupString(tree map[string]interface{}, path string) (string, bool) {
	v, ok := lookup(tree, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// convert checks v against f's kind and bounds.
func convert(f Field, v interface{}) (interface{}, error) {
	inBounds := func(n uint64) bool {
		return n >= f.Min && (f.Max == 0 || n <= f.Max)
	}
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("want %s", f.Kind)
		}
		if !inBounds(uint64(len(s))) {
			return nil, errors.Errorf("length %d outside [%d, %d]", len(s), f.Min, f.Max)
		}
		return s, nil
	case KindUint:
		num, ok := v.(json.Number)
		if !ok {
			return nil, errors.Errorf("want %s", f.Kind)
		}
		n, err := strconv.ParseUint(num.String(), 10, 64)
		if err != nil {
			return nil, errors.Errorf("want unsigned integer, have %s", num)
		}
		if !inBounds(n) {
			return nil, errors.Errorf("value %d outside [%d, %d]", n, f.Min, f.Max)
		}
		return n, nil
	case KindStringList:
		list, ok := v.([]interface{})
		if !ok {
			return nil, errors.Errorf("want %s", f.Kind)
		}
		if !inBounds(uint64(len(list))) {
			return nil, errors.Errorf("%d elements outside [%d, %d]", len(list), f.Min, f.Max)
		}
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, errors.Errorf("want %s", f.Kind)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.Errorf("unsupported kind %d", f.Kind)
}
