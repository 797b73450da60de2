package swcache

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	c "github.com/unkn0wn-root/swcache/codec"
)

func TestEntryCodecs(t *testing.T) {
	in := Entry{
		Method:   http.MethodGet,
		URL:      testOrigin + "/api/items?page=2",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"application/json"}, "Vary": {"Accept", "Accept-Encoding"}},
		Body:     []byte(`{"items":[]}`),
		StoredAt: time.Date(2024, 3, 4, 5, 6, 7, 8, time.UTC),
	}
	codecs := map[string]c.Codec[Entry]{
		"proto":   EntryProto{},
		"cbor":    c.MustCBOR[Entry](false),
		"msgpack": c.Msgpack[Entry]{},
		"json":    c.JSON[Entry]{},
	}
	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			b, err := codec.Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			out, err := codec.Decode(b)
			if err != nil {
				t.Fatal(err)
			}
			if out.Key() != in.Key() || out.Status != in.Status || !bytes.Equal(out.Body, in.Body) {
				t.Fatalf("got %+v, want %+v", out, in)
			}
			if got := out.Header.Values("Vary"); len(got) != 2 || got[1] != "Accept-Encoding" {
				t.Fatalf("Vary = %v", got)
			}
			if !out.StoredAt.Equal(in.StoredAt) {
				t.Fatalf("StoredAt = %v, want %v", out.StoredAt, in.StoredAt)
			}
		})
	}
}

func TestEntryProtoSkipsUnknownFields(t *testing.T) {
	b, _ := EntryProto{}.Encode(Entry{Method: "GET", URL: "/x", Status: 204})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	got, err := EntryProto{}.Decode(b)
	if err != nil {
		t.Fatalf("unknown field rejected: %v", err)
	}
	if got.Status != 204 || got.URL != "/x" {
		t.Fatalf("got %+v", got)
	}
}

func TestEntryProtoRejectsTruncated(t *testing.T) {
	b, _ := EntryProto{}.Encode(Entry{Method: "GET", URL: "/x", Body: []byte("hello")})
	if _, err := (EntryProto{}).Decode(b[:len(b)-2]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
