package swcache

import (
	"errors"
	"net/http"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	c "github.com/unkn0wn-root/swcache/codec"
)

// EntryProto encodes entries in protobuf wire format without generated code:
//
//	message Entry {
//	  string method = 1;
//	  string url = 2;
//	  int64 status = 3;
//	  repeated Header header = 4; // message Header { string name = 1; repeated string value = 2; }
//	  bytes body = 5;
//	  int64 stored_at_unix_nano = 6;
//	}
//
// Unknown fields are skipped so the schema can grow.
type EntryProto struct{}

var _ c.Codec[Entry] = EntryProto{}

const (
	fieldMethod protowire.Number = 1
	fieldURL    protowire.Number = 2
	fieldStatus protowire.Number = 3
	fieldHeader protowire.Number = 4
	fieldBody   protowire.Number = 5
	fieldStored protowire.Number = 6

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

var errProtoField = errors.New("swcache: unexpected wire type")

func (EntryProto) Encode(e Entry) ([]byte, error) {
	b := make([]byte, 0, 64+len(e.URL)+len(e.Body))
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, e.Method)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, e.URL)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(e.Status)))

	for name, values := range e.Header {
		var h []byte
		h = protowire.AppendTag(h, fieldHeaderName, protowire.BytesType)
		h = protowire.AppendString(h, name)
		for _, v := range values {
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, v)
		}
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}

	if len(e.Body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Body)
	}
	if !e.StoredAt.IsZero() {
		b = protowire.AppendTag(b, fieldStored, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.StoredAt.UnixNano()))
	}
	return b, nil
}

func (EntryProto) Decode(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldMethod && typ == protowire.BytesType:
			e.Method, n = protowire.ConsumeString(b)
		case num == fieldURL && typ == protowire.BytesType:
			e.URL, n = protowire.ConsumeString(b)
		case num == fieldStatus && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.Status = int(int64(v))
		case num == fieldHeader && typ == protowire.BytesType:
			var h []byte
			h, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				if err := decodeHeader(h, &e); err != nil {
					return Entry{}, err
				}
			}
		case num == fieldBody && typ == protowire.BytesType:
			var body []byte
			body, n = protowire.ConsumeBytes(b)
			e.Body = append([]byte(nil), body...)
		case num == fieldStored && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.StoredAt = time.Unix(0, int64(v)).UTC()
		case num <= fieldStored:
			return Entry{}, errProtoField
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Entry{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return e, nil
}

func decodeHeader(b []byte, e *Entry) error {
	var (
		name   string
		values []string
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldHeaderName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == fieldHeaderValue && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			values = append(values, v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	if name == "" {
		return nil
	}
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header[name] = append(e.Header[name], values...)
	return nil
}
