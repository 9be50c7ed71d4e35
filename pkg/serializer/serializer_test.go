// pkg/serializer/serializer_test.go
package serializer

import (
	"strings"
	"testing"
)

func TestBytes(t *testing.T) {
	s := Bytes{}

	in := []byte{0x01, 0x02, 0xff}
	enc, err := s.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out, err := s.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.([]byte)
	if string(got) != string(in) {
		t.Errorf("round trip: expected %v, got %v", in, got)
	}

	// Decode must copy, never alias the store's buffer
	enc[0] = 0xaa
	if got[0] == 0xaa {
		t.Error("Decode aliases the input buffer")
	}

	if _, err := s.Encode("not bytes"); err == nil {
		t.Error("expected type error for non-[]byte value")
	}
}

func TestString(t *testing.T) {
	s := String{}
	enc, err := s.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := s.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.(string) != "hello" {
		t.Errorf("round trip: got %q", out)
	}
}

func TestInt64(t *testing.T) {
	s := Int64{}
	for _, v := range []int64{0, 1, -1, 127, -128, 1 << 40, -(1 << 40), 1<<63 - 1, -1 << 63} {
		enc, err := s.Encode(v)
		if err != nil {
			t.Fatalf("Encode(%d): %v", v, err)
		}
		out, err := s.Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%d): %v", v, err)
		}
		if out.(int64) != v {
			t.Errorf("round trip: expected %d, got %d", v, out)
		}
	}

	if _, err := s.Decode(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

type jsonThing struct {
	Name  string
	Count int
}

func TestJSONWithPrototype(t *testing.T) {
	s := JSON{New: func() any { return &jsonThing{} }}

	enc, err := s.Encode(&jsonThing{Name: "x", Count: 3})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := s.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.(*jsonThing)
	if got.Name != "x" || got.Count != 3 {
		t.Errorf("round trip: got %+v", got)
	}
}

func TestGobDefault(t *testing.T) {
	enc, err := Default.Encode("some plain value")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Default.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.(string) != "some plain value" {
		t.Errorf("round trip: got %v", out)
	}

	enc, err = Default.Encode(int64(42))
	if err != nil {
		t.Fatalf("Encode int: %v", err)
	}
	out, err = Default.Decode(enc)
	if err != nil {
		t.Fatalf("Decode int: %v", err)
	}
	if out.(int64) != 42 {
		t.Errorf("round trip: got %v", out)
	}
}

func TestCompressed(t *testing.T) {
	s := Compressed{Inner: String{}}

	payload := strings.Repeat("abcdefgh", 512)
	enc, err := s.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(enc) >= len(payload) {
		t.Errorf("repetitive payload did not compress: %d >= %d", len(enc), len(payload))
	}

	out, err := s.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.(string) != payload {
		t.Error("round trip mismatch")
	}

	if _, err := s.Decode([]byte("not snappy data")); err == nil {
		t.Error("expected error for invalid compressed input")
	}
}
