// Package jobdocs builds job documents for tests.
package jobdocs

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	JobID        = "jobdocs-library"
	SignatureKey = "sig-sha256-ecdsa"
	StreamName   = "stream-1"
	URL          = "https://updates.example.com/image.bin?X-Amz-Signature=abc"
)

// Signature is the decoded signature carried by default documents.
var Signature = []byte{0x30, 0x44, 0x02, 0x20, 0x01, 0x02, 0x03}

// Doc is a job document under construction.
type Doc map[string]interface{}

type Option func(Doc)

// Standard returns a conforming document with one file of size bytes.
func Standard(size uint64, opts ...Option) []byte {
	d := Doc{
		"clientToken": "token-1",
		"timestamp":   1569000000,
		"execution": map[string]interface{}{
			"jobId":         JobID,
			"statusDetails": map[string]interface{}{},
			"jobDocument": map[string]interface{}{
				"afr_ota": map[string]interface{}{
					"protocols":  []interface{}{"MQTT"},
					"streamname": StreamName,
					"files": []interface{}{
						map[string]interface{}{
							"filepath":        "/var/lib/ota/image.bin",
							"filesize":        size,
							"fileid":          0,
							"certfile":        "/etc/ota/signer.pem",
							"fileType":        0,
							SignatureKey:      base64.StdEncoding.EncodeToString(Signature),
							"auth_scheme":     "",
							"update_data_url": URL,
						},
					},
				},
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	b, err := json.Marshal(map[string]interface{}(d))
	if err != nil {
		panic(err)
	}
	return b
}

// Null is a notification that carries no job.
func Null() []byte {
	return []byte(`{"clientToken":"token-1","timestamp":1569000000}`)
}

func WithJobID(id string) Option {
	return With("execution.jobId", id)
}

func WithSelfTest() Option {
	return With("execution.statusDetails.self_test", "ready")
}

func WithUpdatedBy(version uint32) Option {
	return With("execution.statusDetails.updatedBy", version)
}

func WithProtocols(protos ...string) Option {
	list := make([]interface{}, len(protos))
	for i, p := range protos {
		list[i] = p
	}
	return With("execution.jobDocument.afr_ota.protocols", list)
}

func WithFile(key string, v interface{}) Option {
	return With("execution.jobDocument.afr_ota.files.0."+key, v)
}

// With sets the value at a dot separated path, creating objects on the way.
func With(path string, v interface{}) Option {
	return func(d Doc) {
		parent, last := walk(d, path, true)
		if parent != nil {
			parent[last] = v
		}
	}
}

// Without removes the value at path.
func Without(path string) Option {
	return func(d Doc) {
		parent, last := walk(d, path, false)
		if parent != nil {
			delete(parent, last)
		}
	}
}

func walk(d Doc, path string, create bool) (map[string]interface{}, string) {
	parts := strings.Split(path, ".")
	var node interface{} = map[string]interface{}(d)
	for _, part := range parts[:len(parts)-1] {
		switch n := node.(type) {
		case map[string]interface{}:
			child, ok := n[part]
			if !ok {
				if !create {
					return nil, ""
				}
				child = map[string]interface{}{}
				n[part] = child
			}
			node = child
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i >= len(n) {
				return nil, ""
			}
			node = n[i]
		default:
			return nil, ""
		}
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return nil, ""
	}
	return m, parts[len(parts)-1]
}
