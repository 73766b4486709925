package configs

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// document is a remote config: one entry, or a list of entries under "value".
//
//	{"value": {"key": "k", "value": "v"}}
//	{"value": [{"key": "k1", "value": "v1"}, {"key": "k2", "value": 2}]}
type document struct {
	Value json.RawMessage `json:"value"`
}

type entry struct {
	Key   *json.RawMessage `json:"key"`
	Value *json.RawMessage `json:"value"`
}

// Extract flattens documents into one mapping. A later document wins for a duplicate key.
// Malformed documents are logged and skipped.
func Extract(docs [][]byte, lg *zap.Logger) map[string]string {
	logger := lg

	mapping := make(map[string]string)
	for _, doc := range docs {
		entries, err := parseDocument(doc)
		if err != nil {
			logger.Error("invalid config content", zap.ByteString("content", doc), zap.Error(err))
			continue
		}
		for _, e := range entries {
			mapping[e[0]] = e[1]
		}
	}
	return mapping
}

func parseDocument(doc []byte) ([][2]string, error) {
	var d document
	err := json.Unmarshal(doc, &d)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	value := bytes.TrimSpace(d.Value)
	if len(value) == 0 {
		return nil, errors.New("no value in config")
	}

	var raw []entry
	if value[0] == '[' {
		err = json.Unmarshal(value, &raw)
	} else {
		var e entry
		err = json.Unmarshal(value, &e)
		raw = []entry{e}
	}
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config value")
	}

	entries := make([][2]string, 0, len(raw))
	for i, e := range raw {
		if e.Key == nil || e.Value == nil {
			return nil, errors.Errorf("entry %d without key or value", i)
		}
		entries = append(entries, [2]string{asText(*e.Key), asText(*e.Value)})
	}
	return entries, nil
}

// asText returns a JSON string unquoted, and any other JSON value as written.
func asText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
