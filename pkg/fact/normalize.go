package fact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/perimetra/perimetra/pkg/sys/intern"
)

// vertexKinds maps each known discriminator to its required attribute set.
// Unrecognized discriminators are rejected per record.
var vertexKinds = map[VertexKind][]string{
	KindUser:             {"userPrincipalName"},
	KindGroup:            nil,
	KindServicePrincipal: {"appId"},
	KindDevice:           nil,
	KindApplication:      {"appId"},
	KindRoleDefinition:   {"roleTemplateId"},
	KindResource:         {"resourceType"},
	KindPolicy:           nil,
}

// edgeKinds lists the discriminators collectors may emit. canAbuse is
// reserved for the derivation engine and rejected on ingest.
var edgeKinds = map[EdgeKind]bool{
	EdgeMemberOf:      true,
	EdgeOwnerOf:       true,
	EdgeHoldsRole:     true,
	EdgeHasPermission: true,
	EdgeManagedBy:     true,
	EdgeAppliesTo:     true,
}

// RecordError is a per-record rejection. Rejections never abort a batch.
type RecordError struct {
	Line int
	Key  string
	Err  error
}

func (e RecordError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Line, e.Key, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

// NormalizeVertex canonicalizes one raw vertex record: validates the
// discriminator and required attributes, drops nil attribute values, and
// interns the discriminator string.
func NormalizeVertex(raw VertexRecord) (VertexRecord, error) {
	if raw.ID == "" {
		return VertexRecord{}, fmt.Errorf("missing id")
	}
	if strings.Contains(raw.ID, KeySep) {
		return VertexRecord{}, fmt.Errorf("id contains reserved separator %q", KeySep)
	}
	required, ok := vertexKinds[raw.Kind]
	if !ok {
		return VertexRecord{}, fmt.Errorf("unknown vertex kind %q", raw.Kind)
	}
	for _, attr := range required {
		if v, ok := raw.Attrs[attr]; !ok || v == nil {
			return VertexRecord{}, fmt.Errorf("kind %s requires attribute %q", raw.Kind, attr)
		}
	}

	out := VertexRecord{
		ID:          raw.ID,
		Kind:        VertexKind(intern.String(string(raw.Kind))),
		DisplayName: raw.DisplayName,
		Attrs:       pruneNils(raw.Attrs),
	}
	return out, nil
}

// NormalizeEdge canonicalizes one raw edge record. Collector edges are
// always physical; derived provenance claims from outside are malformed.
func NormalizeEdge(raw EdgeRecord) (EdgeRecord, error) {
	if raw.Source == "" || raw.Target == "" {
		return EdgeRecord{}, fmt.Errorf("missing source or target")
	}
	if strings.Contains(raw.Source, KeySep) || strings.Contains(raw.Target, KeySep) || strings.Contains(raw.Qualifier, KeySep) {
		return EdgeRecord{}, fmt.Errorf("key segment contains reserved separator %q", KeySep)
	}
	if !edgeKinds[raw.Kind] {
		return EdgeRecord{}, fmt.Errorf("unknown edge kind %q", raw.Kind)
	}
	if raw.Class == Derived || raw.Derived != nil {
		return EdgeRecord{}, fmt.Errorf("derived provenance is not accepted from collectors")
	}

	out := EdgeRecord{
		Source:    raw.Source,
		Target:    raw.Target,
		Kind:      EdgeKind(intern.String(string(raw.Kind))),
		Qualifier: raw.Qualifier,
		Props:     pruneNils(raw.Props),
		Class:     Physical,
	}
	return out, nil
}

func pruneNils(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v == nil {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DecodeVertexBatch reads one-JSON-record-per-line vertex batches.
// Malformed lines are collected, not fatal.
func DecodeVertexBatch(r io.Reader) ([]VertexRecord, []RecordError) {
	var (
		records []VertexRecord
		errs    []RecordError
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var raw VertexRecord
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			errs = append(errs, RecordError{Line: line, Err: err})
			continue
		}
		rec, err := NormalizeVertex(raw)
		if err != nil {
			errs = append(errs, RecordError{Line: line, Key: raw.Key(), Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, RecordError{Line: line, Err: err})
	}
	return records, errs
}

// DecodeEdgeBatch reads one-JSON-record-per-line edge batches.
func DecodeEdgeBatch(r io.Reader) ([]EdgeRecord, []RecordError) {
	var (
		records []EdgeRecord
		errs    []RecordError
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var raw EdgeRecord
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			errs = append(errs, RecordError{Line: line, Err: err})
			continue
		}
		rec, err := NormalizeEdge(raw)
		if err != nil {
			errs = append(errs, RecordError{Line: line, Key: raw.Key(), Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, RecordError{Line: line, Err: err})
	}
	return records, errs
}

// VertexKinds returns the known vertex discriminators in stable order.
func VertexKinds() []VertexKind {
	out := make([]VertexKind, 0, len(vertexKinds))
	for k := range vertexKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EdgeKinds returns the collector-visible edge discriminators in stable order.
func EdgeKinds() []EdgeKind {
	out := make([]EdgeKind, 0, len(edgeKinds))
	for k := range edgeKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
